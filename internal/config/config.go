// Package config provides configuration loading and validation for the relay
// server. It uses koanf to merge environment variables with optional file
// overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the relay server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// CORS / WebSocket origin allowlist. Empty allows any origin.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// Redis warm-start store. Optional; when unset, rooms live only in
	// relay memory and do not survive a restart.
	RedisURL string `koanf:"redis_url"`

	// Relay tuning. Zero values fall back to the relay defaults.
	LivenessTimeout time.Duration `koanf:"liveness_timeout"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	FrameRate       float64       `koanf:"frame_rate"`
	FrameBurst      int           `koanf:"frame_burst"`
}

// Default values for non-secret configuration.
const (
	DefaultPort = 8080
	DefaultEnv  = "development"
)

// Load reads configuration from environment variables and an optional config
// file. Environment variables take precedence over file values. Returns the
// loaded config and a slice of validation errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("MEETPOINT_PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	frameRate, frameRateErr := getEnvFloatOrDefault("MEETPOINT_FRAME_RATE", k.Float64("frame_rate"), 0)
	if frameRateErr != nil {
		loadErrs = append(loadErrs, frameRateErr)
	}
	frameBurst, frameBurstErr := getEnvIntOrDefault("MEETPOINT_FRAME_BURST", k.Int("frame_burst"), 0)
	if frameBurstErr != nil {
		loadErrs = append(loadErrs, frameBurstErr)
	}

	livenessTimeout, livenessErr := getEnvDurationOrDefault("MEETPOINT_LIVENESS_TIMEOUT", k.Duration("liveness_timeout"), 0)
	if livenessErr != nil {
		loadErrs = append(loadErrs, livenessErr)
	}
	sweepInterval, sweepErr := getEnvDurationOrDefault("MEETPOINT_SWEEP_INTERVAL", k.Duration("sweep_interval"), 0)
	if sweepErr != nil {
		loadErrs = append(loadErrs, sweepErr)
	}

	cfg := &Config{
		Port:            port,
		Env:             getEnvOrDefaultMulti([]string{"MEETPOINT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		AllowedOrigins:  getEnvListOrKoanf("MEETPOINT_ALLOWED_ORIGINS", k, "allowed_origins"),
		RedisURL:        getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		LivenessTimeout: livenessTimeout,
		SweepInterval:   sweepInterval,
		FrameRate:       frameRate,
		FrameBurst:      frameBurst,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvListOrKoanf returns a comma-separated environment variable as a
// slice if set, otherwise the koanf string list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set,
// otherwise the koanf value, or default. Returns an error if the environment
// variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if
// set, otherwise the koanf value, or default.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks configuration values for consistency.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			errs = append(errs, fmt.Errorf("redis_url is not a valid URL: %w", err))
		}
	}
	if c.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("frame_rate must not be negative, got %g", c.FrameRate))
	}
	if c.FrameBurst < 0 {
		errs = append(errs, fmt.Errorf("frame_burst must not be negative, got %d", c.FrameBurst))
	}
	if c.LivenessTimeout < 0 {
		errs = append(errs, fmt.Errorf("liveness_timeout must not be negative, got %s", c.LivenessTimeout))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must not be negative, got %s", c.SweepInterval))
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// Credentials inside the Redis URL are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":             fmt.Sprintf("%d", c.Port),
		"env":              c.Env,
		"allowed_origins":  strings.Join(c.AllowedOrigins, ","),
		"redis_url":        maskRedisURL(c.RedisURL),
		"liveness_timeout": c.LivenessTimeout.String(),
		"sweep_interval":   c.SweepInterval.String(),
		"frame_rate":       fmt.Sprintf("%g", c.FrameRate),
		"frame_burst":      fmt.Sprintf("%d", c.FrameBurst),
	}
}

// maskRedisURL masks the password in a Redis URL for safe logging.
func maskRedisURL(rawURL string) string {
	if rawURL == "" {
		return "(not set)"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "(invalid)"
	}
	if u.User == nil {
		return u.String()
	}
	if _, has := u.User.Password(); !has {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask, so the masked form is
	// assembled by hand.
	rest := u.Host + u.Path
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.User.Username() + ":****@" + rest
}
