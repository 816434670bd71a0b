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

// Package model holds the persistent domain records of the pipeline: jobs,
// their prediction rows, the queue message envelope and the object-store
// key layout.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the job lifecycle state. The machine is
// QUEUED -> RUNNING -> {COMPLETED, FAILED}; the two terminal states are
// absorbing and a job never re-enters QUEUED from a terminal state.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status absorbs all further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind classifies why a job failed. Every kind except Transient is
// fatal; Transient never reaches a job row, it only drives redelivery.
type ErrorKind string

const (
	ErrorKindBadInput        ErrorKind = "BadInput"
	ErrorKindPayloadTooLarge ErrorKind = "PayloadTooLarge"
	ErrorKindInputMissing    ErrorKind = "InputMissing"
	ErrorKindScoringFailed   ErrorKind = "ScoringFailed"
	ErrorKindEnqueueFailed   ErrorKind = "EnqueueFailed"
	ErrorKindUploadFailed    ErrorKind = "UploadFailed"
	ErrorKindPoisonMessage   ErrorKind = "PoisonMessage"
	ErrorKindInternalError   ErrorKind = "InternalError"
)

// MaxErrorDetailLen caps last_error_detail before it is stored.
const MaxErrorDetailLen = 1024

// Job is the authoritative record of one prediction request.
type Job struct {
	JobID             string     `json:"job_id"`
	TenantID          string     `json:"tenant_id"`
	UploadedObjectKey string     `json:"uploaded_object_key"`
	ResultObjectKey   *string    `json:"result_object_key,omitempty"`
	RowCount          *int64     `json:"row_count,omitempty"`
	Status            JobStatus  `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	LastErrorKind     *ErrorKind `json:"last_error_kind,omitempty"`
	LastErrorDetail   *string    `json:"last_error_detail,omitempty"`
	QueueMessageID    *string    `json:"queue_message_id,omitempty"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Prediction is one scored customer row. Rows are written all at once with
// the COMPLETED transition, never incrementally.
type Prediction struct {
	PredictionID         string    `json:"prediction_id"`
	JobID                string    `json:"job_id"`
	RowOrdinal           int       `json:"row_ordinal"`
	TenantID             string    `json:"tenant_id"`
	CustomerReference    string    `json:"customer_reference"`
	ChurnProbability     float64   `json:"churn_probability"`
	RetentionProbability float64   `json:"retention_probability"`
	RiskFactors          []string  `json:"risk_factors"`
	ProtectiveFactors    []string  `json:"protective_factors"`
	ExplanationSummary   string    `json:"explanation_summary"`
	ScoringFailed        bool      `json:"scoring_failed"`
	ModelVersion         string    `json:"model_version"`
	CreatedAt            time.Time `json:"created_at"`
}

// GenerateUUIDWithSuffix returns "<module>_<uuid>", the id shape used for
// every record in the system.
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}

// TruncateDetail clips an error detail to MaxErrorDetailLen bytes.
func TruncateDetail(detail string) string {
	if len(detail) > MaxErrorDetailLen {
		return detail[:MaxErrorDetailLen]
	}
	return detail
}
