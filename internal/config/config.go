package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pkg/errors"
)

// Intake admission policies.
const (
	PolicyReject = "reject"
	PolicyBlock  = "block"
)

// Store flush modes.
const (
	FlushSync  = "sync"
	FlushAsync = "async"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`

	WorkerCount    int    `env:"WORKER_COUNT" envDefault:"4"`
	IntakeCapacity int    `env:"INTAKE_CAPACITY" envDefault:"100"`
	IntakePolicy   string `env:"INTAKE_POLICY" envDefault:"reject"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" envDefault:"1h"`
	UploadLimit   int64         `env:"UPLOAD_LIMIT_BYTES" envDefault:"524288000"`
	WorkDir       string        `env:"WORK_DIR" envDefault:"./data"`

	StoreURL   string `env:"STORE_URL" envDefault:"file://./data/state"`
	StoreFlush string `env:"STORE_FLUSH" envDefault:"sync"`

	RateSubmit RateConfig `envPrefix:"RATE_SUBMIT_"`
	RateStatus RateConfig `envPrefix:"RATE_STATUS_"`

	PipelineCommand string `env:"PIPELINE_COMMAND"`

	S3 S3Config `envPrefix:"S3_"`
}

// RateConfig is one row of the rate-limit table.
type RateConfig struct {
	Capacity int     `env:"CAPACITY"`
	Refill   float64 `env:"REFILL"`
}

type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Bucket    string `env:"BUCKET"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Secure    bool   `env:"SECURE"`
}

// Enabled reports whether finished outputs go to an S3 bucket.
func (c S3Config) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }

func defaults() Config {
	return Config{
		RateSubmit: RateConfig{Capacity: 10, Refill: 0.5},
		RateStatus: RateConfig{Capacity: 120, Refill: 20},
	}
}

// Load reads the configuration from the environment (and .env, if present).
func Load() (Config, error) {
	c := defaults()
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return errors.Errorf("WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.IntakeCapacity < 1 {
		return errors.Errorf("INTAKE_CAPACITY must be >= 1, got %d", c.IntakeCapacity)
	}
	switch c.IntakePolicy {
	case PolicyReject, PolicyBlock:
	default:
		return errors.Errorf("INTAKE_POLICY must be %q or %q, got %q", PolicyReject, PolicyBlock, c.IntakePolicy)
	}
	switch c.StoreFlush {
	case FlushSync, FlushAsync:
	default:
		return errors.Errorf("STORE_FLUSH must be %q or %q, got %q", FlushSync, FlushAsync, c.StoreFlush)
	}
	if c.ShutdownGrace < 0 {
		return errors.New("SHUTDOWN_GRACE must not be negative")
	}
	for name, r := range map[string]RateConfig{"RATE_SUBMIT": c.RateSubmit, "RATE_STATUS": c.RateStatus} {
		if r.Capacity < 1 || r.Refill <= 0 {
			return errors.Errorf("%s needs capacity >= 1 and refill > 0", name)
		}
	}
	return nil
}
