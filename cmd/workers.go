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

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// monitorQueue periodically logs queue diagnostics: depth, age of the
// oldest message and the dead-letter count. A growing dead-letter count is
// the operational signal that inputs are poisoning the pipeline.
func monitorQueue(ctx context.Context, b *pipelineInstance) {
	interval := time.Duration(b.cnf.Queue.MonitoringIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := b.pipeline.QueueStats(ctx)
			if err != nil {
				logrus.WithError(err).Warn("queue stats unavailable")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"depth":             stats.Depth,
				"oldest_age_sec":    stats.OldestAgeSec,
				"dead_letter_count": stats.DeadLetterCount,
			}).Info("queue status")
		}
	}
}

// workerCommands returns the command that runs the prediction worker pool.
func workerCommands(b *pipelineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start churnpipe prediction workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := initializeTracing(ctx, b.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			go monitorQueue(ctx, b)

			b.pipeline.RunWorkers(ctx)
		},
	}

	return cmd
}
