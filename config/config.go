// Package config loads facilitator settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Config holds everything cmd/facilitator needs to start.
// Per-network RPC overrides (RPC_URL_<NETWORK>) are applied to the registry
// separately.
type Config struct {
	Port                string        `env:"PORT" validate:"required,numeric"`
	PrivateKey          string        `env:"EVM_PRIVATE_KEY" validate:"required,hexadecimal"`
	StoreBackend        string        `env:"STORE_BACKEND" validate:"oneof=memory redis postgres"`
	RedisURL            string        `env:"REDIS_URL" validate:"required_if=StoreBackend redis"`
	DatabaseURL         string        `env:"DATABASE_URL" validate:"required_if=StoreBackend postgres"`
	NetworksFile        string        `env:"NETWORKS_FILE" validate:"omitempty,file"`
	ReadTimeout         time.Duration `env:"RPC_READ_TIMEOUT" validate:"gt=0"`
	ReceiptPollInterval time.Duration `env:"RECEIPT_POLL_INTERVAL" validate:"gt=0"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	LogFormat           string        `env:"LOG_FORMAT" validate:"oneof=json console"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                "4022",
		StoreBackend:        BackendMemory,
		ReadTimeout:         3 * time.Second,
		ReceiptPollInterval: time.Second,
		ShutdownTimeout:     15 * time.Second,
		LogFormat:           LogFormatJSON,
	}
}

// Load reads the given .env files (".env" when none are named), then the
// process environment, and validates the result. Real environment variables
// take precedence over file values. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	fileValues := map[string]string{}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		for k, v := range values {
			fileValues[k] = v
		}
	}

	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	})
}

// FromLookup builds a validated Config from a variable lookup function.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("PORT", &cfg.Port)
	str("EVM_PRIVATE_KEY", &cfg.PrivateKey)
	str("STORE_BACKEND", &cfg.StoreBackend)
	str("REDIS_URL", &cfg.RedisURL)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("NETWORKS_FILE", &cfg.NetworksFile)
	str("LOG_FORMAT", &cfg.LogFormat)
	dur("RPC_READ_TIMEOUT", &cfg.ReadTimeout)
	dur("RECEIPT_POLL_INTERVAL", &cfg.ReceiptPollInterval)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("env"); name != "" {
			return name
		}
		return field.Name
	})
	return v
}

// Validate checks the configuration and reports every offending variable.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "file":
		return fmt.Sprintf("%s: file %q not found", fe.Field(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
