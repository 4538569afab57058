package mmatesqs

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by ConfigFromEnv
const (
	EnvRegion            = "MMATE_SQS_REGION"
	EnvEndpoint          = "MMATE_SQS_ENDPOINT"
	EnvErrorQueue        = "MMATE_SQS_ERROR_QUEUE"
	EnvCompatibilityMode = "MMATE_SQS_COMPATIBILITY_MODE"
	EnvSendTimeout       = "MMATE_SQS_SEND_TIMEOUT"
	EnvS3Endpoint        = "MMATE_S3_ENDPOINT"
	EnvS3Bucket          = "MMATE_S3_BUCKET"
	EnvS3Prefix          = "MMATE_S3_PREFIX"
	EnvS3AccessKeyID     = "MMATE_S3_ACCESS_KEY_ID"
	EnvS3SecretKey       = "MMATE_S3_SECRET_ACCESS_KEY"
	EnvS3UseSSL          = "MMATE_S3_USE_SSL"
	EnvAMQPURL           = "MMATE_AMQP_URL"
)

// Config is the environment driven client configuration
type Config struct {
	Region            string
	Endpoint          string
	ErrorQueue        string
	CompatibilityMode bool
	SendTimeout       time.Duration

	S3Endpoint        string
	S3Bucket          string
	S3Prefix          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UseSSL          bool

	AMQPURL string
}

// LoadEnv loads variables from the given .env files, or ".env" when none are
// given. Missing files are ignored and variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ConfigFromEnv reads Config from the process environment
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Region:            os.Getenv(EnvRegion),
		Endpoint:          os.Getenv(EnvEndpoint),
		ErrorQueue:        os.Getenv(EnvErrorQueue),
		CompatibilityMode: envBool(EnvCompatibilityMode, false),
		S3Endpoint:        os.Getenv(EnvS3Endpoint),
		S3Bucket:          os.Getenv(EnvS3Bucket),
		S3Prefix:          os.Getenv(EnvS3Prefix),
		S3AccessKeyID:     os.Getenv(EnvS3AccessKeyID),
		S3SecretAccessKey: os.Getenv(EnvS3SecretKey),
		S3UseSSL:          envBool(EnvS3UseSSL, true),
		AMQPURL:           os.Getenv(EnvAMQPURL),
	}

	if v := os.Getenv(EnvSendTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", EnvSendTimeout, err)
		}
		cfg.SendTimeout = d
	}

	if (cfg.S3Endpoint == "") != (cfg.S3Bucket == "") {
		return Config{}, fmt.Errorf("%w: %s and %s must be set together", ErrInvalidConfig, EnvS3Endpoint, EnvS3Bucket)
	}

	return cfg, nil
}

// Options converts the configuration into client options
func (c Config) Options(logger *slog.Logger) []ClientOption {
	opts := []ClientOption{WithCompatibilityMode(c.CompatibilityMode)}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if c.Region != "" {
		opts = append(opts, WithRegion(c.Region))
	}
	if c.Endpoint != "" {
		opts = append(opts, WithEndpoint(c.Endpoint))
	}
	if c.ErrorQueue != "" {
		opts = append(opts, WithErrorQueue(c.ErrorQueue))
	}
	if c.SendTimeout > 0 {
		opts = append(opts, WithSendTimeout(c.SendTimeout))
	}
	if c.S3Endpoint != "" {
		opts = append(opts, WithBlobStore(c.S3Endpoint, c.S3Bucket), WithBlobSSL(c.S3UseSSL))
		if c.Region != "" {
			opts = append(opts, WithBlobRegion(c.Region))
		}
		if c.S3Prefix != "" {
			opts = append(opts, WithBlobKeyPrefix(c.S3Prefix))
		}
		if c.S3AccessKeyID != "" {
			opts = append(opts, WithBlobCredentials(c.S3AccessKeyID, c.S3SecretAccessKey, ""))
		}
	}
	if c.AMQPURL != "" {
		opts = append(opts, WithAMQP(c.AMQPURL))
	}
	return opts
}

// envBool returns def when key is unset or not a boolean
func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
