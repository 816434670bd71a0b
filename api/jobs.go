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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	churnpipe "github.com/churnlabs/churnpipe"
	model2 "github.com/churnlabs/churnpipe/api/model"
	"github.com/churnlabs/churnpipe/api/middleware"
	"github.com/churnlabs/churnpipe/model"
)

// tenantJob loads a job and hides it from other tenants behind a 404.
func (a Api) tenantJob(c *gin.Context) (*model.Job, bool) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return nil, false
	}

	job, err := a.pipeline.GetJob(c.Request.Context(), id)
	if err != nil {
		if pkgerrors.Is(err, churnpipe.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	if job.TenantID != middleware.TenantID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	return job, true
}

func (a Api) GetJob(c *gin.Context) {
	job, ok := a.tenantJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, model2.ToJobResponse(job))
}

// GetPredictions returns the prediction rows of a completed job. Any other
// status is a 404 with the current status in the body, so pollers can keep
// a single endpoint.
func (a Api) GetPredictions(c *gin.Context) {
	job, ok := a.tenantJob(c)
	if !ok {
		return
	}
	if job.Status != model.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "predictions are only available for completed jobs",
			"status": string(job.Status),
		})
		return
	}

	predictions, err := a.pipeline.GetPredictions(c.Request.Context(), job.JobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := model2.PredictionsResponse{JobID: job.JobID, Predictions: predictions}
	if url, err := a.pipeline.SignResultURL(c.Request.Context(), job); err == nil {
		resp.ResultURL = url
	} else if !pkgerrors.Is(err, churnpipe.ErrNotFound) {
		logrus.WithError(err).WithField("job_id", job.JobID).Warn("could not sign result url")
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter := churnpipe.JobFilter{
		Status: model.JobStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	jobs, err := a.pipeline.ListJobs(c.Request.Context(), middleware.TenantID(c), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]model2.JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, model2.ToJobResponse(job))
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetQueueStats(c *gin.Context) {
	stats, err := a.pipeline.QueueStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
