// Package config loads worker settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-renditions/internal/media"
)

type NATS struct {
	URL           string `env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Subject       string `env:"RENDITIONS_SUBJECT" env-default:"renditions.assets.uploaded"`
	Queue         string `env:"RENDITIONS_QUEUE" env-default:"rendition-workers"`
	ResultSubject string `env:"RENDITIONS_DONE_SUBJECT" env-default:"renditions.assets.done"`
}

type Storage struct {
	Backend         string `env:"STORAGE_BACKEND" env-default:"s3"`
	PublicBaseURL   string `env:"STORAGE_PUBLIC_BASE_URL" env-default:"http://localhost:9000"`
	BucketPrefix    string `env:"RENDITIONS_BUCKET_PREFIX" env-default:"renditions"`
	Endpoint        string `env:"AWS_S3_ENDPOINT"`
	Region          string `env:"AWS_S3_REGION" env-default:"us-east-1"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"true"`
	CacheControl    string `env:"RENDITIONS_CACHE_CONTROL" env-default:"public, max-age=31536000, immutable"`
}

type Processing struct {
	Profiles            string        `env:"RENDITIONS_PROFILES" env-default:"small:crop:150:75,medium:fit:600:80,large:fit:1200:85"`
	Workers             int           `env:"WORKER_CONCURRENCY" env-default:"4"`
	ProfileParallelism  int           `env:"PROFILE_PARALLELISM" env-default:"0"`
	CodecConcurrency    int           `env:"CODEC_CONCURRENCY" env-default:"0"`
	MaxSourcePixels     int64         `env:"MAX_SOURCE_PIXELS" env-default:"100000000"`
	TempDir             string        `env:"RENDITIONS_TEMP_DIR"`
	FrameTimestamp      float64       `env:"VIDEO_FRAME_TIMESTAMP" env-default:"1"`
	MaxFrameEdge        int           `env:"VIDEO_MAX_FRAME_EDGE" env-default:"1920"`
	FFmpegPath          string        `env:"FFMPEG_PATH" env-default:"ffmpeg"`
	FFprobePath         string        `env:"FFPROBE_PATH" env-default:"ffprobe"`
	ToolTimeout         time.Duration `env:"TOOL_TIMEOUT" env-default:"60s"`
	AnimatedWebP        bool          `env:"ANIMATED_WEBP" env-default:"true"`
	RewriteCanonicalURL bool          `env:"REWRITE_CANONICAL_URL" env-default:"true"`
	DeleteOriginal      bool          `env:"DELETE_ORIGINAL" env-default:"false"`
	JobTimeout          time.Duration `env:"JOB_TIMEOUT" env-default:"5m"`
}

type Config struct {
	NATS       NATS
	Storage    Storage
	Processing Processing

	DatabaseURL string `env:"DATABASE_URL"`
	HTTPAddr    string `env:"HTTP_ADDR" env-default:":8080"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat   string `env:"LOG_FORMAT" env-default:"text"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads and validates the process environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Profiles returns the parsed profile set with bucket names filled in. The
// string was validated by FromEnv.
func (c *Config) Profiles() []media.Profile {
	profiles, err := media.ParseProfiles(c.Processing.Profiles)
	if err != nil {
		return nil
	}
	return media.WithBuckets(profiles, c.Storage.BucketPrefix)
}

func (c *Config) validate() error {
	var errs []error

	if _, err := media.ParseProfiles(c.Processing.Profiles); err != nil {
		errs = append(errs, fmt.Errorf("parse RENDITIONS_PROFILES: %w", err))
	}

	switch c.Storage.Backend {
	case "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be s3 or memory (got %q)", c.Storage.Backend))
	}
	if c.Storage.PublicBaseURL == "" {
		errs = append(errs, errors.New("STORAGE_PUBLIC_BASE_URL is required"))
	}

	if c.Processing.Workers <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be greater than zero (got %d)", c.Processing.Workers))
	}
	if c.Processing.ProfileParallelism < 0 {
		errs = append(errs, fmt.Errorf("PROFILE_PARALLELISM must not be negative (got %d)", c.Processing.ProfileParallelism))
	}
	if c.Processing.CodecConcurrency < 0 {
		errs = append(errs, fmt.Errorf("CODEC_CONCURRENCY must not be negative (got %d)", c.Processing.CodecConcurrency))
	}
	if c.Processing.FrameTimestamp < 0 {
		errs = append(errs, fmt.Errorf("VIDEO_FRAME_TIMESTAMP must not be negative (got %g)", c.Processing.FrameTimestamp))
	}
	if c.Processing.MaxFrameEdge <= 0 {
		errs = append(errs, fmt.Errorf("VIDEO_MAX_FRAME_EDGE must be greater than zero (got %d)", c.Processing.MaxFrameEdge))
	}
	if c.Processing.ToolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TOOL_TIMEOUT must be positive (got %s)", c.Processing.ToolTimeout))
	}
	if c.Processing.DeleteOriginal && !c.Processing.RewriteCanonicalURL {
		errs = append(errs, errors.New("DELETE_ORIGINAL requires REWRITE_CANONICAL_URL"))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json (got %q)", c.LogFormat))
	}

	return errors.Join(errs...)
}
