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
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/churnlabs/churnpipe/internal/apierror"
	"github.com/churnlabs/churnpipe/internal/notification"
	"github.com/churnlabs/churnpipe/model"
)

const resultURLTTL = 15 * time.Minute

// IngestRequest is a validated upload handed to the gateway by the HTTP
// layer. JobID is optional; a caller that supplies its own id gets
// idempotent resubmission.
type IngestRequest struct {
	TenantID string
	FileName string
	JobID    string
	Data     []byte
}

// Ingest runs the synchronous half of the pipeline: store the blob, create
// the job row, publish the queue message. The ordering is deliberate; a
// job row only ever exists after its input blob, and a queue message only
// after its job row.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*model.Job, error) {
	ctx, span := otel.Tracer("churnpipe.gateway").Start(ctx, "Ingest Upload")
	defer span.End()

	if err := p.validateUpload(req); err != nil {
		return nil, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = model.GenerateUUIDWithSuffix("job")
	}
	inputKey := model.InputObjectKey(req.TenantID, jobID, filepath.Ext(req.FileName))

	// Blob first. An upload failure leaves nothing behind; an orphaned blob
	// after a later failure is harmless.
	err := backoff.Retry(func() error {
		_, putErr := p.objects.Put(ctx, inputKey, req.Data)
		return putErr
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx))
	if err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Error("input blob upload failed")
		return nil, apierror.NewAPIError(apierror.ErrUploadFailed, "could not store the uploaded file", err)
	}

	job, created, err := p.store.CreateJob(ctx, jobID, req.TenantID, inputKey)
	if err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Error("job row creation failed")
		return nil, apierror.NewAPIError(apierror.ErrUploadFailed, "could not register the job", err)
	}
	if !created {
		if job.TenantID != req.TenantID {
			// The id belongs to another tenant's job. Reject without leaking
			// anything about it.
			return nil, apierror.NewAPIError(apierror.ErrConflict, "job_id is already in use", nil)
		}
		// Replayed submission. The first call already enqueued.
		return job, nil
	}

	messageID, err := p.queue.Enqueue(ctx, model.NewQueueMessage(job))
	if err != nil {
		// The job exists but no message does. Finalize it as FAILED so it
		// cannot sit in QUEUED forever.
		if _, recErr := p.store.RecordAttemptFailure(ctx, jobID, model.ErrorKindEnqueueFailed, err.Error(), false); recErr != nil {
			logrus.WithError(recErr).WithField("job_id", jobID).Error("could not finalize job after enqueue failure")
		}
		notification.NotifyError(pkgerrors.Wrapf(err, "enqueue failed for job %s", jobID))
		return nil, apierror.NewAPIError(apierror.ErrEnqueueFailed, "could not schedule the job", err)
	}

	now := time.Now()
	job, err = p.store.Transition(ctx, jobID, []model.JobStatus{model.StatusQueued}, model.StatusQueued,
		TransitionMutations{QueueMessageID: &messageID, QueuedAt: &now})
	if err != nil {
		// The message is live either way; the missing message id is a
		// diagnostic loss, not a pipeline fault.
		logrus.WithError(err).WithField("job_id", jobID).Warn("could not record queue message id")
		return p.store.GetJob(ctx, jobID)
	}
	return job, nil
}

func (p *Pipeline) validateUpload(req IngestRequest) error {
	if req.TenantID == "" {
		return apierror.NewAPIError(apierror.ErrBadInput, "tenant is required", nil)
	}
	if len(req.Data) == 0 {
		return apierror.NewAPIError(apierror.ErrBadInput, "uploaded file is empty", nil)
	}
	if int64(len(req.Data)) > p.cfg.Ingestion.MaxUploadBytes {
		return apierror.NewAPIError(apierror.ErrPayloadTooLarge, "uploaded file exceeds the size limit", nil)
	}

	ext := strings.ToLower(filepath.Ext(req.FileName))
	for _, accepted := range p.cfg.Ingestion.AcceptedExtensions {
		if ext == strings.ToLower(accepted) {
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrBadInput, "unsupported file extension "+ext, nil)
}
