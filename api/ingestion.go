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
package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	churnpipe "github.com/churnlabs/churnpipe"
	model2 "github.com/churnlabs/churnpipe/api/model"
	"github.com/churnlabs/churnpipe/api/middleware"
	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/internal/apierror"
)

// SubmitJob accepts a tenant-authenticated multipart upload and returns a
// job handle with 202. The byte limit is enforced while reading the
// stream; the declared size is never trusted.
func (a Api) SubmitJob(c *gin.Context) {
	conf, err := config.Fetch()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var form model2.SubmitJob
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file form field is required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	limit := conf.Ingestion.MaxUploadBytes
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}
	if int64(len(data)) > limit {
		apiErr := apierror.NewAPIError(apierror.ErrPayloadTooLarge, "uploaded file exceeds the size limit", nil)
		c.JSON(apierror.MapErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	form.FileName = fileHeader.Filename
	form.Data = data
	if err := form.ValidateSubmitJob(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	job, err := a.pipeline.Ingest(c.Request.Context(), churnpipe.IngestRequest{
		TenantID: middleware.TenantID(c),
		FileName: form.EffectiveFilename(),
		JobID:    form.JobID,
		Data:     form.Data,
	})
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), err)
		return
	}

	c.JSON(http.StatusAccepted, model2.SubmitJobResponse{
		JobID:     job.JobID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	})
}
