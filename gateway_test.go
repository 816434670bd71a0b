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
	"bytes"
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/churnlabs/churnpipe/internal/apierror"
	"github.com/churnlabs/churnpipe/model"
)

func fakeUpload(rows int) []byte {
	var buf bytes.Buffer
	buf.WriteString("customer_id,tenure_months,monthly_charges,contract\n")
	for i := 0; i < rows; i++ {
		buf.WriteString(gofakeit.UUID())
		buf.WriteString(",")
		buf.WriteString(gofakeit.DigitN(2))
		buf.WriteString(",")
		buf.WriteString(gofakeit.DigitN(2))
		buf.WriteString(",month-to-month\n")
	}
	return buf.Bytes()
}

func TestIngestCreatesQueuedJob(t *testing.T) {
	p, store, queue, objects := newTestPipeline()

	job, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.csv",
		Data:     fakeUpload(5),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.NotEmpty(t, job.JobID)
	require.NotNil(t, job.QueueMessageID)
	require.NotNil(t, job.QueuedAt)

	// Blob stored under the predictable key, message points at it.
	blob, err := objects.Get(context.Background(), job.UploadedObjectKey)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
	require.Equal(t, 1, queue.enqueueCount())
	assert.Equal(t, job.JobID, queue.enqueued[0].JobID)
	assert.Equal(t, model.MessageSchemaVersion, queue.enqueued[0].SchemaVersion)

	stored, err := store.GetJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, stored.Status)
}

func TestIngestIsIdempotentOnJobID(t *testing.T) {
	p, _, queue, _ := newTestPipeline()

	req := IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.csv",
		JobID:    "job_fixed",
		Data:     fakeUpload(3),
	}
	first, err := p.Ingest(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, queue.enqueueCount(), "a replayed submission must not enqueue twice")
}

func TestIngestRejectsForeignJobIDReplay(t *testing.T) {
	p, _, queue, _ := newTestPipeline()

	_, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.csv",
		JobID:    "job_shared",
		Data:     fakeUpload(3),
	})
	require.NoError(t, err)

	// Another tenant resubmitting the same job_id must learn nothing about
	// the existing job.
	job, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_2",
		FileName: "customers.csv",
		JobID:    "job_shared",
		Data:     fakeUpload(3),
	})
	require.Error(t, err)
	assert.Nil(t, job)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	assert.Equal(t, 1, queue.enqueueCount(), "the foreign replay must not enqueue")
}

func TestIngestRejectsOversizedUpload(t *testing.T) {
	p, _, queue, _ := newTestPipeline()
	data := make([]byte, p.cfg.Ingestion.MaxUploadBytes+1)

	_, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "big.csv",
		Data:     data,
	})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrPayloadTooLarge, apiErr.Code)
	assert.Equal(t, 0, queue.enqueueCount())
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	p, _, _, _ := newTestPipeline()

	_, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.xlsx",
		Data:     fakeUpload(2),
	})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrBadInput, apiErr.Code)
}

func TestIngestUploadFailureLeavesNoJob(t *testing.T) {
	p, store, queue, objects := newTestPipeline()
	objects.failPut = pkgerrors.Wrap(ErrTransient, "bucket unreachable")

	_, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.csv",
		JobID:    "job_upload_fail",
		Data:     fakeUpload(2),
	})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrUploadFailed, apiErr.Code)

	_, err = store.GetJob(context.Background(), "job_upload_fail")
	assert.True(t, pkgerrors.Is(err, ErrNotFound))
	assert.Equal(t, 0, queue.enqueueCount())
}

func TestIngestEnqueueFailureFinalizesJob(t *testing.T) {
	p, store, queue, _ := newTestPipeline()
	queue.failEnqueue = pkgerrors.Wrap(ErrTransient, "broker down")

	_, err := p.Ingest(context.Background(), IngestRequest{
		TenantID: "tenant_1",
		FileName: "customers.csv",
		JobID:    "job_enqueue_fail",
		Data:     fakeUpload(2),
	})
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrEnqueueFailed, apiErr.Code)

	// No orphan QUEUED: the job is terminal with EnqueueFailed.
	job, err := store.GetJob(context.Background(), "job_enqueue_fail")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)
	require.NotNil(t, job.LastErrorKind)
	assert.Equal(t, model.ErrorKindEnqueueFailed, *job.LastErrorKind)
}

func TestSignResultURLRequiresResultKey(t *testing.T) {
	p, store, _, _ := newTestPipeline()
	job, _, err := store.CreateJob(context.Background(), "job_nores", "tenant_1", "k")
	require.NoError(t, err)

	_, err = p.SignResultURL(context.Background(), job)
	assert.True(t, pkgerrors.Is(err, ErrNotFound))
}
