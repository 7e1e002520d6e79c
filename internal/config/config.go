// Package config loads relay configuration from an optional YAML file,
// environment variables, and flags, in increasing order of precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envVarConfigFile      = "VOXLINK_CALL_RELAY_CONFIG"
	envVarListenAddr      = "VOXLINK_CALL_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "VOXLINK_CALL_RELAY_ALLOWED_ORIGINS"
	envVarLogFormat       = "VOXLINK_CALL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "VOXLINK_CALL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "VOXLINK_CALL_RELAY_SHUTDOWN_TIMEOUT"

	// Signaling connection hardening knobs.
	envVarMaxMessageBytes      = "VOXLINK_CALL_RELAY_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "VOXLINK_CALL_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarWriteTimeout         = "VOXLINK_CALL_RELAY_WRITE_TIMEOUT"
	envVarPingInterval         = "VOXLINK_CALL_RELAY_PING_INTERVAL"
	envVarReadIdleTimeout      = "VOXLINK_CALL_RELAY_READ_IDLE_TIMEOUT"
)

type Config struct {
	ListenAddr string

	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// means any origin (development default).
	AllowedOrigins []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadIdleTimeout time.Duration
	ShutdownTimeout time.Duration

	LogFormat string // "text" or "json"
	LogLevel  string // "debug", "info", "warn", "error"
}

func defaults() Config {
	return Config{
		ListenAddr:                    ":8080",
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 20,
		WriteTimeout:                  5 * time.Second,
		PingInterval:                  20 * time.Second,
		ReadIdleTimeout:               60 * time.Second,
		ShutdownTimeout:               5 * time.Second,
		LogFormat:                     "text",
		LogLevel:                      "info",
	}
}

// fileConfig is the YAML shape. All fields are optional; anything unset
// keeps its default and can still be overridden by env or flags.
type fileConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	MaxSignalingMessageBytes      int64 `yaml:"max_signaling_message_bytes"`
	MaxSignalingMessagesPerSecond int   `yaml:"max_signaling_messages_per_second"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
}

// Load parses args (normally os.Args[1:]). flag.ErrHelp is returned as-is
// so main can exit cleanly on -h.
func Load(args []string) (Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet("voxlink-call-relay", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(envVarConfigFile), "path to YAML config file")
	listenAddr := fs.String("listen-addr", "", "listen address (host:port)")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error)")
	logFormat := fs.String("log-format", "", "log format (text|json)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configPath != "" {
		if err := applyFile(&cfg, *configPath); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxSignalingMessageBytes > 0 {
		cfg.MaxSignalingMessageBytes = fc.MaxSignalingMessageBytes
	}
	if fc.MaxSignalingMessagesPerSecond > 0 {
		cfg.MaxSignalingMessagesPerSecond = fc.MaxSignalingMessagesPerSecond
	}
	if fc.WriteTimeout > 0 {
		cfg.WriteTimeout = fc.WriteTimeout
	}
	if fc.PingInterval > 0 {
		cfg.PingInterval = fc.PingInterval
	}
	if fc.ReadIdleTimeout > 0 {
		cfg.ReadIdleTimeout = fc.ReadIdleTimeout
	}
	if fc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = fc.ShutdownTimeout
	}
	if fc.Log.Format != "" {
		cfg.LogFormat = fc.Log.Format
	}
	if fc.Log.Level != "" {
		cfg.LogLevel = fc.Log.Level
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envVarListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envVarAllowedOrigins); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}
	if v := os.Getenv(envVarLogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(envVarLogLevel); v != "" {
		cfg.LogLevel = v
	}

	var err error
	if cfg.MaxSignalingMessageBytes, err = envInt64(envVarMaxMessageBytes, cfg.MaxSignalingMessageBytes); err != nil {
		return err
	}
	maxPerSec, err := envInt64(envVarMaxMessagesPerSecond, int64(cfg.MaxSignalingMessagesPerSecond))
	if err != nil {
		return err
	}
	cfg.MaxSignalingMessagesPerSecond = int(maxPerSec)

	if cfg.WriteTimeout, err = envDuration(envVarWriteTimeout, cfg.WriteTimeout); err != nil {
		return err
	}
	if cfg.PingInterval, err = envDuration(envVarPingInterval, cfg.PingInterval); err != nil {
		return err
	}
	if cfg.ReadIdleTimeout, err = envDuration(envVarReadIdleTimeout, cfg.ReadIdleTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = envDuration(envVarShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxMessagesPerSecond)
	}
	if c.ReadIdleTimeout <= c.PingInterval {
		return fmt.Errorf("read idle timeout (%s) must exceed ping interval (%s)", c.ReadIdleTimeout, c.PingInterval)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// OriginAllowed reports whether a websocket upgrade from origin may proceed.
// Browsers always send Origin; non-browser clients (our own participant
// binary) send none, which is allowed.
func (c Config) OriginAllowed(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

func envInt64(name string, def int64) (int64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
