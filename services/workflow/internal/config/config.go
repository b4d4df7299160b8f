package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// recordStore: postgres | memory
	RecordStore string `yaml:"recordStore"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	QueueClaimIdleSeconds  int    `yaml:"queueClaimIdleSeconds"`

	SharedSecret          string `yaml:"sharedSecret"`
	RateLimitPerMinute    int    `yaml:"rateLimitPerMinute"`
	TrustForwardedFor     bool   `yaml:"trustForwardedFor"`
	StatusCacheTTLSeconds int    `yaml:"statusCacheTTLSeconds"`

	BatchSize          int `yaml:"batchSize"`
	StepTimeoutSeconds int `yaml:"stepTimeoutSeconds"`

	// inference: workers-ai | stub
	Inference              string  `yaml:"inference"`
	CFAccountID            string  `yaml:"cfAccountID"`
	CFAPIToken             string  `yaml:"cfAPIToken"`
	WorkersAIBaseURL       string  `yaml:"workersAIBaseURL"`
	AIGatewayBaseURL       string  `yaml:"aiGatewayBaseURL"`
	AIGateway              string  `yaml:"aiGateway"`
	CaptionModel           string  `yaml:"captionModel"`
	ImageModel             string  `yaml:"imageModel"`
	InferenceRatePerSecond float64 `yaml:"inferenceRatePerSecond"`
	InferenceBurst         int     `yaml:"inferenceBurst"`

	// objectStore: minio | s3 | memory
	ObjectStore    string `yaml:"objectStore"`
	StorageDomain  string `yaml:"storageDomain"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3Region       string `yaml:"s3Region"`
	S3Endpoint     string `yaml:"s3Endpoint"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("WORKFLOW_RECORD_STORE", &cfg.RecordStore)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("WORKFLOW_QUEUE_NAME", &cfg.QueueName)
	str("WORKFLOW_QUEUE_GROUP", &cfg.QueueGroup)
	num("WORKFLOW_QUEUE_CONCURRENCY", &cfg.QueueConcurrency)
	num("WORKFLOW_QUEUE_MAX_RETRIES", &cfg.QueueMaxRetries)
	num("WORKFLOW_QUEUE_RETRY_DELAY_SECONDS", &cfg.QueueRetryDelaySeconds)
	num("WORKFLOW_QUEUE_CLAIM_IDLE_SECONDS", &cfg.QueueClaimIdleSeconds)
	str("CF_WORKER_TOKEN", &cfg.SharedSecret)
	num("WORKFLOW_RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	flag("WORKFLOW_TRUST_FORWARDED_FOR", &cfg.TrustForwardedFor)
	num("WORKFLOW_BATCH_SIZE", &cfg.BatchSize)
	num("WORKFLOW_STEP_TIMEOUT_SECONDS", &cfg.StepTimeoutSeconds)
	str("WORKFLOW_INFERENCE", &cfg.Inference)
	str("CF_ACCOUNT_ID", &cfg.CFAccountID)
	str("CF_API_TOKEN", &cfg.CFAPIToken)
	str("WORKFLOW_AI_GATEWAY", &cfg.AIGateway)
	str("WORKFLOW_CAPTION_MODEL", &cfg.CaptionModel)
	str("WORKFLOW_IMAGE_MODEL", &cfg.ImageModel)
	if v := os.Getenv("WORKFLOW_INFERENCE_RATE_PER_SECOND"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.InferenceRatePerSecond = n
		}
	}
	str("WORKFLOW_OBJECT_STORE", &cfg.ObjectStore)
	str("CF_STORAGE_DOMAIN", &cfg.StorageDomain)
	str("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	str("MINIO_BUCKET", &cfg.MinioBucket)
	flag("MINIO_USE_SSL", &cfg.MinioUseSSL)
	str("S3_BUCKET", &cfg.S3Bucket)
	str("AWS_REGION", &cfg.S3Region)
	str("S3_ENDPOINT", &cfg.S3Endpoint)
}

func applyDefaults(cfg *FileConfig) {
	if cfg.RecordStore == "" {
		cfg.RecordStore = "postgres"
	}
	if cfg.Inference == "" {
		cfg.Inference = "workers-ai"
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = "minio"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "battledecks:workflow"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "workflow"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
}

const minClaimIdleSeconds = 3

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return errors.New("config: sharedSecret is required (set in config.yaml or CF_WORKER_TOKEN)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.RecordStore {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown recordStore %q (want postgres or memory)", cfg.RecordStore)
	}
	switch cfg.Inference {
	case "workers-ai":
		if cfg.CFAccountID == "" || cfg.CFAPIToken == "" {
			return errors.New("config: workers-ai inference requires CF_ACCOUNT_ID + CF_API_TOKEN")
		}
	case "stub":
	default:
		return fmt.Errorf("config: unknown inference %q (want workers-ai or stub)", cfg.Inference)
	}
	switch cfg.ObjectStore {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minio object store requires minioEndpoint + minioBucket")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3 object store requires s3Bucket (or S3_BUCKET)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown objectStore %q (want minio, s3 or memory)", cfg.ObjectStore)
	}
	if strings.TrimSpace(cfg.StorageDomain) == "" {
		return errors.New("config: storageDomain is required (set in config.yaml or CF_STORAGE_DOMAIN)")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.BatchSize < 0 {
		return errors.New("config: batchSize must be >= 0")
	}
	if cfg.StepTimeoutSeconds < 0 {
		return errors.New("config: stepTimeoutSeconds must be >= 0")
	}
	if cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queueRetryDelaySeconds must be >= 0")
	}
	// Workers heartbeat every third of the claim idle; shorter windows let
	// a slow Redis round trip hand a live run to a second worker.
	if cfg.QueueClaimIdleSeconds != 0 && cfg.QueueClaimIdleSeconds < minClaimIdleSeconds {
		return fmt.Errorf("config: queueClaimIdleSeconds must be >= %d", minClaimIdleSeconds)
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must be >= 0")
	}
	if cfg.InferenceRatePerSecond < 0 {
		return errors.New("config: inferenceRatePerSecond must be >= 0")
	}
	return nil
}
