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

	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/model"
)

// Pipeline is the main struct for the churnpipe application. It binds the
// three adapters (job store, queue, object store) to the scoring model and
// carries the pipeline tuning loaded at start.
type Pipeline struct {
	store     JobStore
	queue     JobQueue
	inspector QueueInspector
	objects   ObjectStore
	scorer    Scorer
	mapper    ColumnMapper
	cfg       *config.Configuration
}

// NewPipeline wires a pipeline from its adapters. inspector may be nil when
// the queue adapter offers no diagnostics; scorer and mapper fall back to
// the built-in heuristic model and header synonym table.
func NewPipeline(cfg *config.Configuration, store JobStore, queue JobQueue, inspector QueueInspector, objects ObjectStore, scorer Scorer, mapper ColumnMapper) *Pipeline {
	if scorer == nil {
		scorer = NewHeuristicScorer(cfg.Pipeline.ModelVersionTag)
	}
	if mapper == nil {
		mapper = NewSynonymMapper()
	}
	return &Pipeline{
		store:     store,
		queue:     queue,
		inspector: inspector,
		objects:   objects,
		scorer:    scorer,
		mapper:    mapper,
		cfg:       cfg,
	}
}

// GetJob returns one job by id.
func (p *Pipeline) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return p.store.GetJob(ctx, jobID)
}

// ListJobs pages a tenant's jobs.
func (p *Pipeline) ListJobs(ctx context.Context, tenantID string, filter JobFilter) ([]*model.Job, error) {
	return p.store.ListJobs(ctx, tenantID, filter)
}

// GetPredictions returns the prediction rows of a job.
func (p *Pipeline) GetPredictions(ctx context.Context, jobID string) ([]*model.Prediction, error) {
	return p.store.GetPredictions(ctx, jobID)
}

// SignResultURL issues a short-lived read URL for a completed job's result
// blob.
func (p *Pipeline) SignResultURL(ctx context.Context, job *model.Job) (string, error) {
	if job.ResultObjectKey == nil || *job.ResultObjectKey == "" {
		return "", ErrNotFound
	}
	return p.objects.SignRead(ctx, *job.ResultObjectKey, resultURLTTL)
}

// QueueStats is a point-in-time snapshot of the dispatch queue.
type QueueStats struct {
	Depth           int64   `json:"depth"`
	OldestAgeSec    float64 `json:"oldest_age_sec"`
	DeadLetterCount int64   `json:"dead_letter_count"`
}

// QueueStats reads the queue diagnostics. Returns zeroes when no inspector
// is wired.
func (p *Pipeline) QueueStats(ctx context.Context) (QueueStats, error) {
	if p.inspector == nil {
		return QueueStats{}, nil
	}
	depth, err := p.inspector.Depth(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	age, err := p.inspector.OldestAge(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	dead, err := p.inspector.DeadLetterCount(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Depth: depth, OldestAgeSec: age.Seconds(), DeadLetterCount: dead}, nil
}
