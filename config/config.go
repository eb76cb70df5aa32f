// Package config loads the settings of a dispatch server from a YAML file,
// an optional .env file and DISPATCH_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DISPATCH_"

// Config is the resolved configuration.
type Config struct {
	Network           string
	Address           string
	BufferSize        int
	ReplyDecodeErrors bool
	CallsPerSecond    float64
	CallBurst         int

	LogLevel string
	LogDir   string

	Store           string
	RedisAddr       string
	RedisPrefix     string
	CleanupInterval time.Duration

	MetricsAddress   string
	MetricsNamespace string
}

// FileConfig mirrors the YAML layout. Unset fields keep their defaults.
type FileConfig struct {
	Server  FileServerConfig  `yaml:"server"`
	Log     FileLogConfig     `yaml:"log"`
	Store   FileStoreConfig   `yaml:"store"`
	Metrics FileMetricsConfig `yaml:"metrics"`
}

type FileServerConfig struct {
	Network           string  `yaml:"network"`
	Address           string  `yaml:"address"`
	BufferSize        int     `yaml:"bufferSize"`
	ReplyDecodeErrors *bool   `yaml:"replyDecodeErrors"`
	CallsPerSecond    float64 `yaml:"callsPerSecond"`
	CallBurst         int     `yaml:"callBurst"`
}

type FileLogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type FileStoreConfig struct {
	Backend         string        `yaml:"backend"`
	RedisAddr       string        `yaml:"redisAddr"`
	RedisPrefix     string        `yaml:"redisPrefix"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

type FileMetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration: a plain TCP listener on
// 127.0.0.1:7070, no rate limit and an in-memory store.
func Default() Config {
	return Config{
		Network:          "tcp",
		Address:          "127.0.0.1:7070",
		BufferSize:       1024,
		LogLevel:         "info",
		Store:            StoreMemory,
		RedisAddr:        "127.0.0.1:6379",
		RedisPrefix:      "dispatch:",
		CleanupInterval:  10 * time.Minute,
		MetricsNamespace: "dispatch",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the .env file in the working directory if there is one,
// and the environment.
//
// Parameters:
//   - path: YAML file to read, or "" for none
//
// Returns:
//   - The validated Config
//   - An error if a file exists but cannot be parsed, or validation fails
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}

		Merge(&cfg, parsed)
	}

	if err := LoadEnvFile(".env"); err != nil {
		return Config{}, err
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnvFile exports the variables in the dotenv file at path that are not
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("config: load %s: %w", path, err)
}

// Merge copies every set field of src into dst.
func Merge(dst *Config, src FileConfig) {
	if src.Server.Network != "" {
		dst.Network = src.Server.Network
	}
	if src.Server.Address != "" {
		dst.Address = src.Server.Address
	}
	if src.Server.BufferSize != 0 {
		dst.BufferSize = src.Server.BufferSize
	}
	if src.Server.ReplyDecodeErrors != nil {
		dst.ReplyDecodeErrors = *src.Server.ReplyDecodeErrors
	}
	if src.Server.CallsPerSecond != 0 {
		dst.CallsPerSecond = src.Server.CallsPerSecond
	}
	if src.Server.CallBurst != 0 {
		dst.CallBurst = src.Server.CallBurst
	}
	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
	if src.Log.Dir != "" {
		dst.LogDir = src.Log.Dir
	}
	if src.Store.Backend != "" {
		dst.Store = src.Store.Backend
	}
	if src.Store.RedisAddr != "" {
		dst.RedisAddr = src.Store.RedisAddr
	}
	if src.Store.RedisPrefix != "" {
		dst.RedisPrefix = src.Store.RedisPrefix
	}
	if src.Store.CleanupInterval != 0 {
		dst.CleanupInterval = src.Store.CleanupInterval
	}
	if src.Metrics.Address != "" {
		dst.MetricsAddress = src.Metrics.Address
	}
	if src.Metrics.Namespace != "" {
		dst.MetricsNamespace = src.Metrics.Namespace
	}
}

// ApplyEnvOverrides applies DISPATCH_* variables to cfg. A variable that is
// set but cannot be parsed is an error.
func ApplyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NETWORK":           &cfg.Network,
		"ADDRESS":           &cfg.Address,
		"LOG_LEVEL":         &cfg.LogLevel,
		"LOG_DIR":           &cfg.LogDir,
		"STORE":             &cfg.Store,
		"REDIS_ADDR":        &cfg.RedisAddr,
		"REDIS_PREFIX":      &cfg.RedisPrefix,
		"METRICS_ADDRESS":   &cfg.MetricsAddress,
		"METRICS_NAMESPACE": &cfg.MetricsNamespace,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	var errs []error
	if v, ok := lookup("BUFFER_SIZE"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("BUFFER_SIZE", err))
		if err == nil {
			cfg.BufferSize = n
		}
	}
	if v, ok := lookup("CALL_BURST"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("CALL_BURST", err))
		if err == nil {
			cfg.CallBurst = n
		}
	}
	if v, ok := lookup("CALLS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, envErr("CALLS_PER_SECOND", err))
		if err == nil {
			cfg.CallsPerSecond = f
		}
	}
	if v, ok := lookup("REPLY_DECODE_ERRORS"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("REPLY_DECODE_ERRORS", err))
		if err == nil {
			cfg.ReplyDecodeErrors = b
		}
	}
	if v, ok := lookup("CLEANUP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("CLEANUP_INTERVAL", err))
		if err == nil {
			cfg.CleanupInterval = d
		}
	}

	return errors.Join(errs...)
}

// Validate reports settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		errs = append(errs, fmt.Errorf("config: unsupported network %q", c.Network))
	}
	if c.Address == "" {
		errs = append(errs, errors.New("config: address is required"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("config: buffer size must be positive, got %d", c.BufferSize))
	}
	if c.CallsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("config: calls per second must not be negative, got %v", c.CallsPerSecond))
	}
	if c.CallsPerSecond > 0 && c.CallBurst <= 0 {
		errs = append(errs, errors.New("config: call burst must be positive when rate limiting"))
	}
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		errs = append(errs, fmt.Errorf("config: unknown store %q", c.Store))
	}

	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}

	v = strings.TrimSpace(v)
	return v, v != ""
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
}
