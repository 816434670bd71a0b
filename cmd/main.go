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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	churnpipe "github.com/churnlabs/churnpipe"
	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/database"
	"github.com/churnlabs/churnpipe/internal/cache"
	"github.com/churnlabs/churnpipe/internal/notification"
	"github.com/churnlabs/churnpipe/internal/objectstore"
	"github.com/churnlabs/churnpipe/internal/queue"
	redis_db "github.com/churnlabs/churnpipe/internal/redis-db"
)

// Churnpipe represents the CLI application, encapsulating the root command.
type Churnpipe struct {
	cmd *cobra.Command
}

// pipelineInstance holds the wired pipeline and its configuration for the
// subcommands.
type pipelineInstance struct {
	pipeline *churnpipe.Pipeline
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the pipeline before any command
// runs.
func preRun(app *pipelineInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("churnpipe.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		pipeline, err := setupPipeline(cmd.Context(), cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.pipeline = pipeline
		app.cnf = cnf
		return nil
	}
}

// setupPipeline connects the three adapters and binds them into a Pipeline.
func setupPipeline(ctx context.Context, cfg *config.Configuration) (*churnpipe.Pipeline, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}
	if c, err := cache.NewCache(); err == nil {
		db.Cache = c
	} else {
		logrus.WithError(err).Warn("cache unavailable, reads go straight to the database")
	}

	redisClient, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %v", err)
	}
	jobQueue := queue.NewRedisQueue(redisClient.Client(), cfg.Queue,
		time.Duration(cfg.Pipeline.VisibilitySeconds)*time.Second)

	objects, err := objectstore.NewS3Store(ctx, cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("error connecting to object store: %v", err)
	}

	return churnpipe.NewPipeline(cfg, db, jobQueue, jobQueue, objects, nil, nil), nil
}

// NewCLI creates the command-line interface for the churnpipe application.
func NewCLI() *Churnpipe {
	var configFile string
	b := &pipelineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "churnpipe",
		Short: "Asynchronous churn prediction pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./churnpipe.json", "Configuration file for churnpipe")
	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))

	return &Churnpipe{cmd: rootCmd}
}

func (w Churnpipe) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
