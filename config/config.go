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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5100"

	// DefaultMaxUploadBytes is 10 MiB; uploads above it are rejected
	// synchronously with PayloadTooLarge.
	DefaultMaxUploadBytes = 10 << 20
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"CHURNPIPE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CHURNPIPE_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"CHURNPIPE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CHURNPIPE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"CHURNPIPE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"CHURNPIPE_REDIS_SKIP_TLS_VERIFY"`
}

// ObjectStoreConfig points the S3 adapter at a bucket. Endpoint is optional
// and used for S3-compatible stores (minio, localstack).
type ObjectStoreConfig struct {
	Endpoint        string `json:"endpoint" envconfig:"CHURNPIPE_S3_ENDPOINT"`
	Region          string `json:"region" envconfig:"CHURNPIPE_S3_REGION"`
	Bucket          string `json:"bucket" envconfig:"CHURNPIPE_S3_BUCKET"`
	AccessKeyId     string `json:"access_key_id" envconfig:"CHURNPIPE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"CHURNPIPE_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `json:"force_path_style" envconfig:"CHURNPIPE_S3_FORCE_PATH_STYLE"`
}

// IngestionConfig bounds what the gateway accepts.
type IngestionConfig struct {
	MaxUploadBytes     int64    `json:"max_upload_bytes" envconfig:"CHURNPIPE_MAX_UPLOAD_BYTES"`
	AcceptedExtensions []string `json:"accepted_extensions" envconfig:"CHURNPIPE_ACCEPTED_EXTENSIONS"`
}

// PipelineConfig controls the prediction worker loop. All values are loaded
// once at start; there is no hot reload.
type PipelineConfig struct {
	WorkerConcurrency           int     `json:"worker_concurrency" envconfig:"CHURNPIPE_WORKER_CONCURRENCY"`
	LeaseBatch                  int     `json:"lease_batch" envconfig:"CHURNPIPE_LEASE_BATCH"`
	LongPollSeconds             int     `json:"long_poll_seconds" envconfig:"CHURNPIPE_LONG_POLL_SECONDS"`
	VisibilitySeconds           int     `json:"visibility_seconds" envconfig:"CHURNPIPE_VISIBILITY_SECONDS"`
	RenewalMarginSeconds        int     `json:"renewal_margin_seconds" envconfig:"CHURNPIPE_RENEWAL_MARGIN_SECONDS"`
	MaxRenewals                 int     `json:"max_renewals" envconfig:"CHURNPIPE_MAX_RENEWALS"`
	MaxExpectedAttempts         int     `json:"max_expected_attempts" envconfig:"CHURNPIPE_MAX_EXPECTED_ATTEMPTS"`
	RowFailureToleranceFraction float64 `json:"row_failure_tolerance_fraction" envconfig:"CHURNPIPE_ROW_FAILURE_TOLERANCE_FRACTION"`
	ModelVersionTag             string  `json:"model_version_tag" envconfig:"CHURNPIPE_MODEL_VERSION_TAG"`
}

// QueueConfig names the Redis-backed dispatch queue and its dead-letter sink.
type QueueConfig struct {
	Name                  string `json:"name" envconfig:"CHURNPIPE_QUEUE_NAME"`
	DeadLetterName        string `json:"dead_letter_name" envconfig:"CHURNPIPE_QUEUE_DEAD_LETTER_NAME"`
	MaxDeliveryCount      int    `json:"max_delivery_count" envconfig:"CHURNPIPE_QUEUE_MAX_DELIVERY_COUNT"`
	MonitoringIntervalSec int    `json:"monitoring_interval_sec" envconfig:"CHURNPIPE_QUEUE_MONITORING_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"CHURNPIPE_PROJECT_NAME"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	ObjectStore     ObjectStoreConfig `json:"object_store"`
	Ingestion       IngestionConfig   `json:"ingestion"`
	Pipeline        PipelineConfig    `json:"pipeline"`
	Queue           QueueConfig       `json:"queue"`
	Notification    Notification      `json:"notification"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"CHURNPIPE_ENABLE_TELEMETRY"`
	OtelEndpoint    string            `json:"otel_endpoint" envconfig:"CHURNPIPE_OTEL_ENDPOINT"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("churnpipe", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called churnpipe.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Churnpipe Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Ingestion.MaxUploadBytes <= 0 {
		cnf.Ingestion.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cnf.Ingestion.AcceptedExtensions) == 0 {
		cnf.Ingestion.AcceptedExtensions = []string{".csv", ".tsv", ".txt"}
	}

	if cnf.Queue.Name == "" {
		cnf.Queue.Name = "churnpipe:predict"
	}
	if cnf.Queue.DeadLetterName == "" {
		cnf.Queue.DeadLetterName = cnf.Queue.Name + ":dead"
	}
	if cnf.Queue.MaxDeliveryCount <= 0 {
		cnf.Queue.MaxDeliveryCount = 5
	}
	if cnf.Queue.MonitoringIntervalSec <= 0 {
		cnf.Queue.MonitoringIntervalSec = 30
	}

	if cnf.Pipeline.WorkerConcurrency < 1 {
		cnf.Pipeline.WorkerConcurrency = 4
	}
	if cnf.Pipeline.LeaseBatch < 1 {
		cnf.Pipeline.LeaseBatch = 5
	}
	if cnf.Pipeline.LongPollSeconds <= 0 {
		cnf.Pipeline.LongPollSeconds = 10
	}
	if cnf.Pipeline.LongPollSeconds > 20 {
		cnf.Pipeline.LongPollSeconds = 20
	}
	if cnf.Pipeline.VisibilitySeconds <= 0 {
		cnf.Pipeline.VisibilitySeconds = 60
	}
	if cnf.Pipeline.RenewalMarginSeconds <= 0 ||
		cnf.Pipeline.RenewalMarginSeconds >= cnf.Pipeline.VisibilitySeconds {
		cnf.Pipeline.RenewalMarginSeconds = cnf.Pipeline.VisibilitySeconds / 4
	}
	if cnf.Pipeline.MaxRenewals <= 0 {
		cnf.Pipeline.MaxRenewals = 10
	}
	// The worker's poison threshold tracks the queue's own DLQ budget unless
	// set explicitly.
	if cnf.Pipeline.MaxExpectedAttempts <= 0 {
		cnf.Pipeline.MaxExpectedAttempts = cnf.Queue.MaxDeliveryCount
	}
	if cnf.Pipeline.RowFailureToleranceFraction < 0 || cnf.Pipeline.RowFailureToleranceFraction > 1 {
		cnf.Pipeline.RowFailureToleranceFraction = 0
	}
	if cnf.Pipeline.ModelVersionTag == "" {
		cnf.Pipeline.ModelVersionTag = "churn-model-v1"
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
