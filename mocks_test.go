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
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/model"
)

// In-memory adapters for pipeline tests. They honor the same narrowing
// contract as the real adapters: ErrNotFound, ErrTransient,
// ErrConflictingState, ErrLeaseLost.

type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*model.Job
	predictions map[string][]*model.Prediction
	failNext    error
	failWrite   error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]*model.Job),
		predictions: make(map[string][]*model.Prediction),
	}
}

func (s *memStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *memStore) CreateJob(_ context.Context, jobID, tenantID, objectKey string) (*model.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, false, err
	}
	if existing, ok := s.jobs[jobID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	now := time.Now()
	job := &model.Job{
		JobID:             jobID,
		TenantID:          tenantID,
		UploadedObjectKey: objectKey,
		Status:            model.StatusQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.jobs[jobID] = job
	cp := *job
	return &cp, true, nil
}

func (s *memStore) Transition(_ context.Context, jobID string, from []model.JobStatus, to model.JobStatus, mut TransitionMutations) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, pkgerrors.Wrapf(ErrConflictingState, "job %s is %s", jobID, job.Status)
	}
	job.Status = to
	job.UpdatedAt = time.Now()
	if mut.IncrementAttempt {
		job.AttemptCount++
	}
	if mut.RowCount != nil {
		job.RowCount = mut.RowCount
	}
	if mut.QueueMessageID != nil {
		job.QueueMessageID = mut.QueueMessageID
	}
	if mut.QueuedAt != nil {
		job.QueuedAt = mut.QueuedAt
	}
	if mut.ErrorKind != nil {
		job.LastErrorKind = mut.ErrorKind
	}
	if mut.ErrorDetail != nil {
		detail := model.TruncateDetail(*mut.ErrorDetail)
		job.LastErrorDetail = &detail
	}
	if mut.ResultObjectKey != nil {
		job.ResultObjectKey = mut.ResultObjectKey
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) RecordAttemptFailure(ctx context.Context, jobID string, kind model.ErrorKind, detail string, retryable bool) (model.JobStatus, error) {
	to := model.StatusFailed
	if retryable {
		to = model.StatusQueued
	}
	job, err := s.Transition(ctx, jobID, []model.JobStatus{model.StatusQueued, model.StatusRunning}, to,
		TransitionMutations{ErrorKind: &kind, ErrorDetail: &detail})
	if err != nil {
		if pkgerrors.Is(err, ErrConflictingState) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if current, ok := s.jobs[jobID]; ok && current.Status.Terminal() {
				return current.Status, nil
			}
		}
		return "", err
	}
	return job.Status, nil
}

func (s *memStore) WriteResults(_ context.Context, jobID string, predictions []*model.Prediction, resultKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	if err := s.takeFailure(); err != nil {
		return err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return pkgerrors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	if job.Status != model.StatusRunning {
		return pkgerrors.Wrapf(ErrConflictingState, "job %s is %s", jobID, job.Status)
	}
	job.Status = model.StatusCompleted
	if resultKey != "" {
		job.ResultObjectKey = &resultKey
	}
	job.UpdatedAt = time.Now()
	s.predictions[jobID] = predictions
	return nil
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) ListJobs(_ context.Context, tenantID string, filter JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*model.Job
	for _, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs, nil
}

func (s *memStore) GetPredictions(_ context.Context, jobID string) ([]*model.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predictions[jobID], nil
}

type memQueue struct {
	mu          sync.Mutex
	enqueued    []model.QueueMessage
	acked       []string
	nacked      []string
	extended    []string
	failEnqueue error
	failExtend  error
	nextID      int
}

func newMemQueue() *memQueue {
	return &memQueue{}
}

func (q *memQueue) Enqueue(_ context.Context, msg model.QueueMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return "", q.failEnqueue
	}
	q.nextID++
	q.enqueued = append(q.enqueued, msg)
	return model.GenerateUUIDWithSuffix("msg"), nil
}

func (q *memQueue) Lease(context.Context, int, time.Duration) ([]*Lease, error) {
	return nil, nil
}

func (q *memQueue) Extend(_ context.Context, lease *Lease, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failExtend != nil {
		return q.failExtend
	}
	q.extended = append(q.extended, lease.MessageID)
	lease.Deadline = time.Now().Add(d)
	return nil
}

func (q *memQueue) Ack(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, lease.MessageID)
	return nil
}

func (q *memQueue) Nack(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, lease.MessageID)
	return nil
}

func (q *memQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *memQueue) nackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.nacked)
}

func (q *memQueue) enqueueCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

type memObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	failPut error
	failGet error
}

func newMemObjects() *memObjects {
	return &memObjects{blobs: make(map[string][]byte)}
}

func (o *memObjects) Put(_ context.Context, key string, data []byte) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failPut != nil {
		return "", o.failPut
	}
	o.blobs[key] = data
	return "etag", nil
}

func (o *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failGet != nil {
		return nil, o.failGet
	}
	data, ok := o.blobs[key]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrNotFound, "object %s", key)
	}
	return data, nil
}

func (o *memObjects) SignRead(_ context.Context, key string, _ time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.blobs[key]; !ok {
		return "", pkgerrors.Wrapf(ErrNotFound, "object %s", key)
	}
	return "https://signed.example/" + key, nil
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "churnpipe-test",
		Ingestion: config.IngestionConfig{
			MaxUploadBytes:     1 << 20,
			AcceptedExtensions: []string{".csv", ".tsv", ".txt"},
		},
		Pipeline: config.PipelineConfig{
			WorkerConcurrency:           1,
			LeaseBatch:                  1,
			LongPollSeconds:             1,
			VisibilitySeconds:           60,
			RenewalMarginSeconds:        15,
			MaxRenewals:                 10,
			MaxExpectedAttempts:         5,
			RowFailureToleranceFraction: 0.2,
			ModelVersionTag:             "churn-model-test",
		},
		Queue: config.QueueConfig{
			Name:             "churnpipe:test",
			DeadLetterName:   "churnpipe:test:dead",
			MaxDeliveryCount: 5,
		},
	}
}

func newTestPipeline() (*Pipeline, *memStore, *memQueue, *memObjects) {
	cfg := testConfig()
	config.MockConfig(cfg)
	store := newMemStore()
	queue := newMemQueue()
	objects := newMemObjects()
	p := NewPipeline(cfg, store, queue, nil, objects, nil, nil)
	return p, store, queue, objects
}
