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
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// MessageSchemaVersion is the version this build writes and the only one
// its workers accept.
const MessageSchemaVersion = 1

// QueueMessage is the envelope placed on the dispatch queue. Everything a
// worker needs to locate the work lives in the job row; the message only
// points at it.
type QueueMessage struct {
	SchemaVersion int       `json:"schema_version"`
	JobID         string    `json:"job_id"`
	TenantID      string    `json:"tenant_id"`
	UploadedKey   string    `json:"uploaded_object_key"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewQueueMessage builds the envelope for a freshly created job.
func NewQueueMessage(job *Job) QueueMessage {
	return QueueMessage{
		SchemaVersion: MessageSchemaVersion,
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		UploadedKey:   job.UploadedObjectKey,
		EnqueuedAt:    time.Now(),
	}
}

// Marshal serializes the envelope for the wire.
func (m QueueMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeQueueMessage parses an envelope. Unknown fields are ignored; a
// missing job_id makes the message undecodable. Version acceptance is the
// caller's decision, not the decoder's.
func DecodeQueueMessage(data []byte) (QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return QueueMessage{}, pkgerrors.Wrap(err, "decode queue message")
	}
	if m.JobID == "" {
		return QueueMessage{}, pkgerrors.New("queue message has no job_id")
	}
	return m, nil
}
