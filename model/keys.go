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
	"fmt"
	"strings"
)

// Object-store key layout. Both keys are predictable from
// (tenant_id, job_id):
//
//	tenants/{tenant_id}/jobs/{job_id}/input.<ext>
//	tenants/{tenant_id}/jobs/{job_id}/result.json

// InputObjectKey builds the key for an uploaded input blob. ext may be
// passed with or without the leading dot.
func InputObjectKey(tenantID, jobID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "csv"
	}
	return fmt.Sprintf("tenants/%s/jobs/%s/input.%s", tenantID, jobID, ext)
}

// ResultObjectKey builds the key for the result blob written on completion.
func ResultObjectKey(tenantID, jobID string) string {
	return fmt.Sprintf("tenants/%s/jobs/%s/result.json", tenantID, jobID)
}
