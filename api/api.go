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
	"github.com/gin-gonic/gin"

	churnpipe "github.com/churnlabs/churnpipe"
	"github.com/churnlabs/churnpipe/api/middleware"
)

type Api struct {
	pipeline *churnpipe.Pipeline
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/jobs", a.SubmitJob)
	router.GET("/jobs", a.ListJobs)
	router.GET("/jobs/:id", a.GetJob)
	router.GET("/jobs/:id/predictions", a.GetPredictions)

	router.GET("/queue/stats", a.GetQueueStats)

	return a.router
}

func NewAPI(p *churnpipe.Pipeline) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	r.Use(middleware.Authenticate())

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{pipeline: p, router: r}
}
