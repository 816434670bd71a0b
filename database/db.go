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

// Package database is the PostgreSQL job store. It owns the jobs and
// predictions tables and implements the JobStore port with conditional
// updates on status, so concurrent workers cannot double-apply a
// transition.
package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/churnlabs/churnpipe/config"
	"github.com/churnlabs/churnpipe/internal/cache"
)

// Package-level singleton. Not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection provides a global access point to the instance and
// initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createJobTable(db)
	if err != nil {
		return nil, err
	}
	err = createPredictionTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createJobTable creates a PostgreSQL table for the Job struct
func createJobTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id SERIAL PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			uploaded_object_key TEXT NOT NULL,
			result_object_key TEXT,
			row_count BIGINT,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error_kind TEXT,
			last_error_detail TEXT,
			queue_message_id TEXT,
			queued_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating jobs table: %v", err)
	}
	return err
}

// createPredictionTable creates a PostgreSQL table for the Prediction struct
func createPredictionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS predictions (
			id SERIAL PRIMARY KEY,
			prediction_id TEXT NOT NULL UNIQUE,
			job_id TEXT NOT NULL REFERENCES jobs(job_id),
			row_ordinal INT NOT NULL,
			tenant_id TEXT NOT NULL,
			customer_reference TEXT NOT NULL,
			churn_probability DOUBLE PRECISION NOT NULL,
			retention_probability DOUBLE PRECISION NOT NULL,
			risk_factors JSONB,
			protective_factors JSONB,
			explanation_summary TEXT,
			scoring_failed BOOLEAN NOT NULL DEFAULT FALSE,
			model_version TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (job_id, row_ordinal)
		)
	`)
	if err != nil {
		log.Printf("Error creating predictions table: %v", err)
	}
	return err
}
