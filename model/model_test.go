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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestTruncateDetail(t *testing.T) {
	short := "something broke"
	assert.Equal(t, short, TruncateDetail(short))

	long := strings.Repeat("x", MaxErrorDetailLen+100)
	assert.Len(t, TruncateDetail(long), MaxErrorDetailLen)
}

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("job")
	assert.True(t, strings.HasPrefix(id, "job_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("job"))
}

func TestQueueMessageRoundTrip(t *testing.T) {
	job := &Job{JobID: "job_1", TenantID: "tenant_1", UploadedObjectKey: "k"}
	msg := NewQueueMessage(job)
	assert.Equal(t, MessageSchemaVersion, msg.SchemaVersion)

	body, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := DecodeQueueMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "job_1", decoded.JobID)
	assert.Equal(t, "tenant_1", decoded.TenantID)
	assert.Equal(t, "k", decoded.UploadedKey)
}

func TestDecodeQueueMessageTolerance(t *testing.T) {
	// Unknown fields are ignored; future minor additions must not break
	// old workers.
	decoded, err := DecodeQueueMessage([]byte(`{"schema_version":1,"job_id":"job_1","shiny_new_field":true}`))
	require.NoError(t, err)
	assert.Equal(t, "job_1", decoded.JobID)

	_, err = DecodeQueueMessage([]byte(`{"schema_version":1}`))
	assert.Error(t, err, "a message without job_id is undecodable")

	_, err = DecodeQueueMessage([]byte(`not json`))
	assert.Error(t, err)

	// Version checking is the worker's call, not the decoder's.
	decoded, err = DecodeQueueMessage([]byte(`{"schema_version":99,"job_id":"job_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 99, decoded.SchemaVersion)
}

func TestObjectKeyLayout(t *testing.T) {
	assert.Equal(t, "tenants/t1/jobs/j1/input.csv", InputObjectKey("t1", "j1", ".csv"))
	assert.Equal(t, "tenants/t1/jobs/j1/input.tsv", InputObjectKey("t1", "j1", "tsv"))
	assert.Equal(t, "tenants/t1/jobs/j1/input.csv", InputObjectKey("t1", "j1", ""))
	assert.Equal(t, "tenants/t1/jobs/j1/result.json", ResultObjectKey("t1", "j1"))
}

func TestQueueMessageCarriesEnqueueTime(t *testing.T) {
	before := time.Now()
	msg := NewQueueMessage(&Job{JobID: "job_1"})
	assert.False(t, msg.EnqueuedAt.Before(before))
}
