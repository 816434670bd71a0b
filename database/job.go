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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	churnpipe "github.com/churnlabs/churnpipe"
	"github.com/churnlabs/churnpipe/model"
)

const jobColumns = `job_id, tenant_id, uploaded_object_key, result_object_key, row_count, status,
	attempt_count, last_error_kind, last_error_detail, queue_message_id, queued_at, created_at, updated_at`

const predictionCacheTTL = 5 * time.Minute

// CreateJob inserts a new job in QUEUED. A replayed job_id leaves the
// existing row untouched and returns it with created=false, so retried
// uploads never produce a second enqueue.
func (d Datasource) CreateJob(ctx context.Context, jobID, tenantID, objectKey string) (*model.Job, bool, error) {
	ctx, span := otel.Tracer("churnpipe.database").Start(ctx, "Create Job Record")
	defer span.End()

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO jobs (job_id, tenant_id, uploaded_object_key, status, attempt_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, tenantID, objectKey, string(model.StatusQueued))
	if err != nil {
		return nil, false, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	return job, inserted > 0, nil
}

// Transition applies a compare-and-set on status. The update only lands if
// the row's current status is within from; otherwise nothing changes and
// ErrConflictingState (or ErrNotFound) comes back. Mutations ride in the
// same statement so status and its companion fields move together.
func (d Datasource) Transition(ctx context.Context, jobID string, from []model.JobStatus, to model.JobStatus, mut churnpipe.TransitionMutations) (*model.Job, error) {
	ctx, span := otel.Tracer("churnpipe.database").Start(ctx, "Transition Job Status")
	defer span.End()

	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	set := []string{"status = $3", "updated_at = NOW()"}
	args := []interface{}{jobID, pq.Array(fromStates), string(to)}
	if mut.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	appendSet := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if mut.RowCount != nil {
		appendSet("row_count", *mut.RowCount)
	}
	if mut.QueueMessageID != nil {
		appendSet("queue_message_id", *mut.QueueMessageID)
	}
	if mut.QueuedAt != nil {
		appendSet("queued_at", *mut.QueuedAt)
	}
	if mut.ErrorKind != nil {
		appendSet("last_error_kind", string(*mut.ErrorKind))
	}
	if mut.ErrorDetail != nil {
		appendSet("last_error_detail", model.TruncateDetail(*mut.ErrorDetail))
	}
	if mut.ResultObjectKey != nil {
		appendSet("result_object_key", *mut.ResultObjectKey)
	}

	query := fmt.Sprintf(`
		UPDATE jobs SET %s
		WHERE job_id = $1 AND status = ANY($2)
		RETURNING %s
	`, strings.Join(set, ", "), jobColumns)

	row := d.Conn.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !pkgerrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	// The CAS missed. Distinguish "no such job" from "wrong state".
	current, getErr := d.GetJob(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, pkgerrors.Wrapf(churnpipe.ErrConflictingState,
		"job %s is %s, wanted one of %v", jobID, current.Status, from)
}

// RecordAttemptFailure stores a classified failure against the job. Fatal
// kinds finalize the job as FAILED; retryable failures return it to QUEUED
// for the pending redelivery. Terminal jobs absorb the call unchanged.
func (d Datasource) RecordAttemptFailure(ctx context.Context, jobID string, kind model.ErrorKind, detail string, retryable bool) (model.JobStatus, error) {
	to := model.StatusFailed
	if retryable {
		to = model.StatusQueued
	}
	detail = model.TruncateDetail(detail)
	mut := churnpipe.TransitionMutations{ErrorKind: &kind, ErrorDetail: &detail}

	job, err := d.Transition(ctx, jobID, []model.JobStatus{model.StatusQueued, model.StatusRunning}, to, mut)
	if err == nil {
		return job.Status, nil
	}
	if pkgerrors.Is(err, churnpipe.ErrConflictingState) {
		current, getErr := d.GetJob(ctx, jobID)
		if getErr != nil {
			return "", getErr
		}
		if current.Status.Terminal() {
			return current.Status, nil
		}
	}
	return "", err
}

// WriteResults lands the full prediction set and the COMPLETED transition
// in one transaction. Readers never observe a partial set, and a lost race
// (another worker finished first) rolls everything back.
func (d Datasource) WriteResults(ctx context.Context, jobID string, predictions []*model.Prediction, resultKey string) error {
	ctx, span := otel.Tracer("churnpipe.database").Start(ctx, "Write Prediction Results")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $2, result_object_key = $3, updated_at = NOW()
		WHERE job_id = $1 AND status = $4
	`, jobID, string(model.StatusCompleted), resultKey, string(model.StatusRunning))
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	if updated == 0 {
		return pkgerrors.Wrapf(churnpipe.ErrConflictingState, "job %s is not RUNNING", jobID)
	}

	for _, p := range predictions {
		riskFactors, err := json.Marshal(p.RiskFactors)
		if err != nil {
			return err
		}
		protectiveFactors, err := json.Marshal(p.ProtectiveFactors)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO predictions (prediction_id, job_id, row_ordinal, tenant_id, customer_reference,
				churn_probability, retention_probability, risk_factors, protective_factors,
				explanation_summary, scoring_failed, model_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (job_id, row_ordinal) DO NOTHING
		`, p.PredictionID, p.JobID, p.RowOrdinal, p.TenantID, p.CustomerReference,
			p.ChurnProbability, p.RetentionProbability, riskFactors, protectiveFactors,
			p.ExplanationSummary, p.ScoringFailed, p.ModelVersion)
		if err != nil {
			return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return nil
}

func (d Datasource) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM jobs WHERE job_id = $1
	`, jobColumns), jobID)

	job, err := scanJob(row)
	if pkgerrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrapf(churnpipe.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return job, nil
}

// ListJobs pages a tenant's jobs newest first, optionally narrowed to one
// status.
func (d Datasource) ListJobs(ctx context.Context, tenantID string, filter churnpipe.JobFilter) ([]*model.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s FROM jobs WHERE tenant_id = $1
	`, jobColumns)
	args := []interface{}{tenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	return jobs, nil
}

// GetPredictions reads a job's prediction rows ordered by row_ordinal. The
// set is immutable once written, so completed results are served through
// the cache.
func (d Datasource) GetPredictions(ctx context.Context, jobID string) ([]*model.Prediction, error) {
	cacheKey := "predictions:" + jobID
	if d.Cache != nil {
		var cached []*model.Prediction
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT prediction_id, job_id, row_ordinal, tenant_id, customer_reference,
			churn_probability, retention_probability, risk_factors, protective_factors,
			explanation_summary, scoring_failed, model_version, created_at
		FROM predictions WHERE job_id = $1 ORDER BY row_ordinal ASC
	`, jobID)
	if err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}
	defer rows.Close()

	var predictions []*model.Prediction
	for rows.Next() {
		p := &model.Prediction{}
		var riskFactors, protectiveFactors []byte
		err := rows.Scan(&p.PredictionID, &p.JobID, &p.RowOrdinal, &p.TenantID, &p.CustomerReference,
			&p.ChurnProbability, &p.RetentionProbability, &riskFactors, &protectiveFactors,
			&p.ExplanationSummary, &p.ScoringFailed, &p.ModelVersion, &p.CreatedAt)
		if err != nil {
			return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
		}
		if len(riskFactors) > 0 {
			if err := json.Unmarshal(riskFactors, &p.RiskFactors); err != nil {
				return nil, err
			}
		}
		if len(protectiveFactors) > 0 {
			if err := json.Unmarshal(protectiveFactors, &p.ProtectiveFactors); err != nil {
				return nil, err
			}
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(churnpipe.ErrTransient, err.Error())
	}

	if d.Cache != nil && len(predictions) > 0 {
		_ = d.Cache.Set(ctx, cacheKey, predictions, predictionCacheTTL)
	}
	return predictions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		resultKey   sql.NullString
		rowCount    sql.NullInt64
		status      string
		errorKind   sql.NullString
		errorDetail sql.NullString
		messageID   sql.NullString
		queuedAt    sql.NullTime
	)
	err := row.Scan(&job.JobID, &job.TenantID, &job.UploadedObjectKey, &resultKey, &rowCount, &status,
		&job.AttemptCount, &errorKind, &errorDetail, &messageID, &queuedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if resultKey.Valid {
		job.ResultObjectKey = &resultKey.String
	}
	if rowCount.Valid {
		job.RowCount = &rowCount.Int64
	}
	if errorKind.Valid {
		kind := model.ErrorKind(errorKind.String)
		job.LastErrorKind = &kind
	}
	if errorDetail.Valid {
		job.LastErrorDetail = &errorDetail.String
	}
	if messageID.Valid {
		job.QueueMessageID = &messageID.String
	}
	if queuedAt.Valid {
		job.QueuedAt = &queuedAt.Time
	}
	return job, nil
}
