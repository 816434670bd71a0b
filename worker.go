/*
Copyright 2025 Churnpipe Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package churnpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/churnlabs/churnpipe/internal/notification"
	"github.com/churnlabs/churnpipe/model"
)

// resultDocument is the JSON blob written next to the input on completion.
type resultDocument struct {
	JobID        string              `json:"job_id"`
	TenantID     string              `json:"tenant_id"`
	ModelVersion string              `json:"model_version"`
	GeneratedAt  time.Time           `json:"generated_at"`
	RowCount     int64               `json:"row_count"`
	Predictions  []*model.Prediction `json:"predictions"`
}

// RunWorkers runs the prediction worker pool until ctx is canceled. Each
// handler long-polls the queue and processes leases one at a time; a
// handler mid-message on shutdown finishes or releases it via nack, never
// acks without persisted results.
func (p *Pipeline) RunWorkers(ctx context.Context) {
	concurrency := p.cfg.Pipeline.WorkerConcurrency
	logrus.WithField("concurrency", concurrency).Info("starting prediction workers")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
	logrus.Info("prediction workers stopped")
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	longPoll := time.Duration(p.cfg.Pipeline.LongPollSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leases, err := p.queue.Lease(ctx, p.cfg.Pipeline.LeaseBatch, longPoll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("queue lease failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, lease := range leases {
			p.ProcessLease(ctx, lease)
		}
	}
}

// ProcessLease drives one leased message through the per-message protocol:
// poison check, claim, fetch, parse, score, persist, ack. Transient faults
// release the message via nack; fatal classifications finalize the job and
// ack.
func (p *Pipeline) ProcessLease(ctx context.Context, lease *Lease) {
	ctx, span := otel.Tracer("churnpipe.worker").Start(ctx, "Process Prediction Job")
	defer span.End()

	log := logrus.WithField("message_id", lease.MessageID)

	msg, err := model.DecodeQueueMessage(lease.Body)
	if err != nil {
		// No job id to blame; drop the message so it cannot loop.
		log.WithError(err).Error("dropping undecodable queue message")
		notification.NotifyError(pkgerrors.Wrap(err, "undecodable queue message"))
		_ = p.queue.Ack(ctx, lease)
		return
	}
	log = log.WithField("job_id", msg.JobID)

	if msg.SchemaVersion != model.MessageSchemaVersion {
		p.failAndAck(ctx, lease, msg.JobID, model.ErrorKindBadInput,
			fmt.Sprintf("unsupported message schema version %d", msg.SchemaVersion))
		return
	}
	if lease.DeliveryCount > p.cfg.Pipeline.MaxExpectedAttempts {
		p.failAndAck(ctx, lease, msg.JobID, model.ErrorKindPoisonMessage,
			fmt.Sprintf("delivery count %d exceeds the expected maximum %d",
				lease.DeliveryCount, p.cfg.Pipeline.MaxExpectedAttempts))
		return
	}

	visibility := time.Duration(p.cfg.Pipeline.VisibilitySeconds) * time.Second
	budget := visibility * time.Duration(p.cfg.Pipeline.MaxRenewals)
	msgCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// Claim. RUNNING is in the from-set so an expired lease can be
	// re-claimed after redelivery. A terminal job means a stale redelivery
	// of completed work; acking it is the idempotency guard.
	job, err := p.store.Transition(msgCtx, msg.JobID,
		[]model.JobStatus{model.StatusQueued, model.StatusRunning}, model.StatusRunning,
		TransitionMutations{IncrementAttempt: true})
	if err != nil {
		switch {
		case pkgerrors.Is(err, ErrConflictingState):
			log.Debug("job already terminal, acking redelivery")
			_ = p.queue.Ack(ctx, lease)
		case pkgerrors.Is(err, ErrNotFound):
			log.Warn("message references an unknown job, dropping")
			_ = p.queue.Ack(ctx, lease)
		default:
			_ = p.queue.Nack(ctx, lease)
		}
		return
	}

	data, err := p.objects.Get(msgCtx, msg.UploadedKey)
	if err != nil {
		if pkgerrors.Is(err, ErrNotFound) {
			p.failAndAck(ctx, lease, job.JobID, model.ErrorKindInputMissing,
				"input blob "+msg.UploadedKey+" does not exist")
		} else {
			_ = p.queue.Nack(ctx, lease)
		}
		return
	}

	records, err := ParseTabular(data, filepath.Ext(msg.UploadedKey), p.mapper)
	if err != nil {
		p.failAndAck(ctx, lease, job.JobID, model.ErrorKindBadInput, err.Error())
		return
	}
	rowCount := int64(len(records))
	if _, err := p.store.Transition(msgCtx, job.JobID,
		[]model.JobStatus{model.StatusRunning}, model.StatusRunning,
		TransitionMutations{RowCount: &rowCount}); err != nil {
		if pkgerrors.Is(err, ErrConflictingState) {
			_ = p.queue.Ack(ctx, lease)
		} else {
			_ = p.queue.Nack(ctx, lease)
		}
		return
	}

	predictions, failedRows, ok := p.scoreRecords(msgCtx, lease, job, records, log)
	if !ok {
		return
	}
	if rowCount > 0 && float64(failedRows)/float64(rowCount) > p.cfg.Pipeline.RowFailureToleranceFraction {
		p.failAndAck(ctx, lease, job.JobID, model.ErrorKindScoringFailed,
			fmt.Sprintf("%d of %d rows failed scoring", failedRows, rowCount))
		return
	}

	// The result blob is a convenience artifact; the job store stays the
	// source of truth, so a failed upload does not fail the job.
	resultKey := model.ResultObjectKey(job.TenantID, job.JobID)
	doc := resultDocument{
		JobID:        job.JobID,
		TenantID:     job.TenantID,
		ModelVersion: p.scorer.ModelVersion(),
		GeneratedAt:  time.Now(),
		RowCount:     rowCount,
		Predictions:  predictions,
	}
	if blob, marshalErr := json.Marshal(doc); marshalErr != nil {
		resultKey = ""
	} else if _, putErr := p.objects.Put(msgCtx, resultKey, blob); putErr != nil {
		log.WithError(putErr).Warn("result blob upload failed, predictions remain queryable")
		resultKey = ""
	}

	if err := p.store.WriteResults(msgCtx, job.JobID, predictions, resultKey); err != nil {
		if pkgerrors.Is(err, ErrConflictingState) {
			log.Debug("job completed by another worker, discarding results")
			_ = p.queue.Ack(ctx, lease)
		} else {
			_ = p.queue.Nack(ctx, lease)
		}
		return
	}

	_ = p.queue.Ack(ctx, lease)
	log.WithField("rows", rowCount).Info("job completed")
}

// scoreRecords scores every row, renewing the lease as its deadline nears.
// ok=false means the message was released or abandoned and the caller must
// not touch it again.
func (p *Pipeline) scoreRecords(ctx context.Context, lease *Lease, job *model.Job, records []*FeatureRecord, log *logrus.Entry) (predictions []*model.Prediction, failedRows int, ok bool) {
	visibility := time.Duration(p.cfg.Pipeline.VisibilitySeconds) * time.Second
	margin := time.Duration(p.cfg.Pipeline.RenewalMarginSeconds) * time.Second
	renewals := 0

	predictions = make([]*model.Prediction, 0, len(records))
	for _, record := range records {
		if time.Until(lease.Deadline) <= margin {
			if renewals >= p.cfg.Pipeline.MaxRenewals {
				log.Warn("renewal budget exhausted, releasing message")
				_ = p.queue.Nack(ctx, lease)
				return nil, 0, false
			}
			if err := p.queue.Extend(ctx, lease, visibility); err != nil {
				// The lease belongs to someone else now. No ack, no nack, no
				// further writes.
				log.WithError(err).Warn("lease lost during scoring, abandoning message")
				return nil, 0, false
			}
			renewals++
		}

		prediction := &model.Prediction{
			PredictionID:      model.GenerateUUIDWithSuffix("pred"),
			JobID:             job.JobID,
			RowOrdinal:        record.RowOrdinal,
			TenantID:          job.TenantID,
			CustomerReference: record.CustomerReference,
			ModelVersion:      p.scorer.ModelVersion(),
		}
		score, err := p.scorer.Score(ctx, record)
		if err != nil {
			// Infrastructure faults are retryable: release the message and let
			// redelivery rescore from scratch. Only deterministic model errors
			// become per-row failures.
			if pkgerrors.Is(err, ErrTransient) || ctx.Err() != nil {
				log.WithError(err).Warn("transient scoring fault, releasing message")
				_ = p.queue.Nack(ctx, lease)
				return nil, 0, false
			}
			failedRows++
			prediction.ScoringFailed = true
			prediction.ExplanationSummary = model.TruncateDetail("scoring failed: " + err.Error())
		} else {
			prediction.ChurnProbability = score.ChurnProbability
			prediction.RetentionProbability = score.RetentionProbability
			prediction.RiskFactors = score.RiskFactors
			prediction.ProtectiveFactors = score.ProtectiveFactors
			prediction.ExplanationSummary = score.ExplanationSummary
		}
		predictions = append(predictions, prediction)
	}
	return predictions, failedRows, true
}

// failAndAck finalizes the job with a fatal classification and acks the
// message. If the job store refuses transiently, the message is released
// instead so the classification is retried on redelivery.
func (p *Pipeline) failAndAck(ctx context.Context, lease *Lease, jobID string, kind model.ErrorKind, detail string) {
	status, err := p.store.RecordAttemptFailure(ctx, jobID, kind, detail, false)
	if err != nil {
		if !pkgerrors.Is(err, ErrNotFound) {
			_ = p.queue.Nack(ctx, lease)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"job_id": jobID,
		"kind":   kind,
		"status": status,
	}).Error(detail)
	notification.NotifyError(pkgerrors.Errorf("job %s failed with %s: %s", jobID, kind, detail))
	_ = p.queue.Ack(ctx, lease)
}
