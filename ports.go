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
	"errors"
	"time"

	"github.com/churnlabs/churnpipe/model"
)

// Sentinel errors every adapter narrows into. Anything an adapter returns
// that is not one of these is a bug and treated as fatal.
var (
	// ErrNotFound: the referenced object or row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient: retryable infrastructure fault; never reaches a job row.
	ErrTransient = errors.New("transient failure")
	// ErrConflictingState: a conditional transition found the job outside
	// its from-set. The caller decides whether that means "lost the race"
	// or "already done".
	ErrConflictingState = errors.New("conflicting job state")
	// ErrLeaseLost: the queue no longer recognizes the receipt; another
	// worker owns the message now.
	ErrLeaseLost = errors.New("lease lost")
)

// ObjectStore is the blob port. Put is write-once per key in practice;
// the pipeline never rewrites a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (etag string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	SignRead(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Lease is the right to process one message exclusively until Deadline.
// Receipt fences ack/extend/nack to the current holder.
type Lease struct {
	MessageID     string
	Receipt       string
	DeliveryCount int
	Body          []byte
	Deadline      time.Time
}

// JobQueue is the dispatch port. Delivery is at-least-once; the adapter,
// not the worker, counts deliveries and moves exhausted messages to the
// dead-letter sink.
type JobQueue interface {
	Enqueue(ctx context.Context, msg model.QueueMessage) (messageID string, err error)
	Lease(ctx context.Context, batch int, wait time.Duration) ([]*Lease, error)
	Extend(ctx context.Context, lease *Lease, d time.Duration) error
	Ack(ctx context.Context, lease *Lease) error
	Nack(ctx context.Context, lease *Lease) error
}

// QueueInspector exposes queue diagnostics for the metrics loop.
type QueueInspector interface {
	Depth(ctx context.Context) (int64, error)
	OldestAge(ctx context.Context) (time.Duration, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// TransitionMutations are the optional field updates applied together with
// a status transition. Nil fields are left unchanged.
type TransitionMutations struct {
	IncrementAttempt bool
	RowCount         *int64
	QueueMessageID   *string
	QueuedAt         *time.Time
	ErrorKind        *model.ErrorKind
	ErrorDetail      *string
	ResultObjectKey  *string
}

// JobFilter narrows and pages tenant job listings.
type JobFilter struct {
	Status model.JobStatus
	Limit  int
	Offset int
}

// JobStore is the authoritative state port. All worker writes go through
// Transition's compare-and-set on status; terminal states are absorbing.
type JobStore interface {
	// CreateJob inserts a job in QUEUED. Idempotent on jobID: a second call
	// returns the existing row unchanged with created=false.
	CreateJob(ctx context.Context, jobID, tenantID, objectKey string) (job *model.Job, created bool, err error)

	// Transition updates status only if the current status is within from.
	// Otherwise it fails with ErrConflictingState.
	Transition(ctx context.Context, jobID string, from []model.JobStatus, to model.JobStatus, mut TransitionMutations) (*model.Job, error)

	// RecordAttemptFailure stores the classified failure and moves the job
	// to FAILED (fatal) or back to QUEUED (retryable, redelivery pending).
	// The attempt itself is counted when the worker claims, not here.
	RecordAttemptFailure(ctx context.Context, jobID string, kind model.ErrorKind, detail string, retryable bool) (model.JobStatus, error)

	// WriteResults inserts all prediction rows and transitions the job
	// RUNNING -> COMPLETED in one transaction. Partial sets are never
	// visible to readers.
	WriteResults(ctx context.Context, jobID string, predictions []*model.Prediction, resultKey string) error

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, tenantID string, filter JobFilter) ([]*model.Job, error)
	GetPredictions(ctx context.Context, jobID string) ([]*model.Prediction, error)
}
