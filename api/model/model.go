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
package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/churnlabs/churnpipe/model"
)

// SubmitJob is the multipart form of the ingestion endpoint after the file
// bytes have been read out.
type SubmitJob struct {
	DeclaredFilename string `form:"declared_filename"`
	JobID            string `form:"job_id"`
	FileName         string
	Data             []byte
}

func (s *SubmitJob) ValidateSubmitJob() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.FileName, validation.Required),
		validation.Field(&s.Data, validation.Required),
	)
}

// EffectiveFilename prefers the declared filename over the multipart one.
func (s *SubmitJob) EffectiveFilename() string {
	if s.DeclaredFilename != "" {
		return s.DeclaredFilename
	}
	return s.FileName
}

// SubmitJobResponse is the 202 body of the ingestion endpoint.
type SubmitJobResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResponse is the read shape of a job. Optional fields are omitted
// while unset.
type JobResponse struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	RowCount        *int64     `json:"row_count,omitempty"`
	LastErrorKind   *string    `json:"last_error_kind,omitempty"`
	LastErrorDetail *string    `json:"last_error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	QueuedAt        *time.Time `json:"queued_at,omitempty"`
}

func ToJobResponse(job *model.Job) JobResponse {
	resp := JobResponse{
		JobID:        job.JobID,
		Status:       string(job.Status),
		AttemptCount: job.AttemptCount,
		RowCount:     job.RowCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		QueuedAt:     job.QueuedAt,
	}
	if job.LastErrorKind != nil {
		kind := string(*job.LastErrorKind)
		resp.LastErrorKind = &kind
	}
	resp.LastErrorDetail = job.LastErrorDetail
	return resp
}

// PredictionsResponse wraps the prediction rows of a completed job.
type PredictionsResponse struct {
	JobID       string              `json:"job_id"`
	ResultURL   string              `json:"result_url,omitempty"`
	Predictions []*model.Prediction `json:"predictions"`
}
