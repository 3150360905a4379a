package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile  = "file"
	BackendBolt  = "bbolt"
	BackendRedis = "redis"
	BackendNone  = "none"
)

type Config struct {
	Port        int
	APIKey      string
	GinMode     string
	TLSCertFile string
	TLSKeyFile  string
	TokenExpiry time.Duration

	RateLimitPerHour int

	MaxBrowsers            int
	MaxQueueWait           time.Duration
	MaintenanceInterval    time.Duration
	MaintenanceTimeout     time.Duration
	ReapAfter              time.Duration
	ReapInterval           time.Duration
	TwoFactorTTL           time.Duration
	TwoFactorSweepInterval time.Duration
	SnapshotInterval       time.Duration

	SnapshotBackend string
	SnapshotPath    string
	SnapshotKey     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKey        string

	BrowserEngine        string
	BrowserBin           string
	BrowserHeadless      bool
	BrowserScreenshotDir string
	BrokerURL            string

	LogLevel string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// layeredEnv answers from the process environment first and falls back to
// values read from the config file.
type layeredEnv struct {
	env  Env
	file map[string]string
}

func (l layeredEnv) Getenv(key string) string {
	if v := l.env.Getenv(key); v != "" {
		return v
	}
	return l.file[key]
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

// LoadConfigFromEnv reads settings from env. When CONFIG_FILE names a YAML
// file of KEY: value pairs, those values apply wherever env leaves a key unset.
func LoadConfigFromEnv(env Env) (Config, error) {
	if path := env.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		env = layeredEnv{env: env, file: file}
	}

	cfg := Config{
		Port:                   3000,
		GinMode:                "release",
		TokenExpiry:            7 * 24 * time.Hour,
		RateLimitPerHour:       100,
		MaxBrowsers:            3,
		MaxQueueWait:           30 * time.Second,
		MaintenanceInterval:    5 * time.Minute,
		MaintenanceTimeout:     2 * time.Minute,
		ReapAfter:              30 * 24 * time.Hour,
		ReapInterval:           24 * time.Hour,
		TwoFactorTTL:           5 * time.Minute,
		TwoFactorSweepInterval: 30 * time.Second,
		SnapshotInterval:       time.Minute,
		SnapshotBackend:        BackendFile,
		BrowserEngine:          "rod",
		BrowserHeadless:        true,
		LogLevel:               "info",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.APIKey = env.Getenv("API_KEY")
	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("API_KEY is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	var err error
	for _, s := range []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_EXPIRY_SECONDS", &cfg.TokenExpiry},
		{"MAX_QUEUE_WAIT_SECONDS", &cfg.MaxQueueWait},
		{"MAINTENANCE_INTERVAL_SECONDS", &cfg.MaintenanceInterval},
		{"MAINTENANCE_TIMEOUT_SECONDS", &cfg.MaintenanceTimeout},
		{"REAP_AFTER_SECONDS", &cfg.ReapAfter},
		{"REAP_INTERVAL_SECONDS", &cfg.ReapInterval},
		{"TWO_FACTOR_TTL_SECONDS", &cfg.TwoFactorTTL},
		{"TWO_FACTOR_SWEEP_INTERVAL_SECONDS", &cfg.TwoFactorSweepInterval},
		{"SNAPSHOT_INTERVAL_SECONDS", &cfg.SnapshotInterval},
	} {
		if *s.dst, err = seconds(env, s.key, *s.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.RateLimitPerHour, err = positiveInt(env, "RATE_LIMIT_PER_HOUR", cfg.RateLimitPerHour); err != nil {
		return Config{}, err
	}
	if cfg.MaxBrowsers, err = positiveInt(env, "MAX_BROWSERS", cfg.MaxBrowsers); err != nil {
		return Config{}, err
	}

	if raw := env.Getenv("SNAPSHOT_BACKEND"); raw != "" {
		cfg.SnapshotBackend = strings.ToLower(raw)
	}
	switch cfg.SnapshotBackend {
	case BackendFile, BackendBolt, BackendRedis, BackendNone:
	default:
		return Config{}, fmt.Errorf("invalid SNAPSHOT_BACKEND %q", cfg.SnapshotBackend)
	}
	cfg.SnapshotPath = env.Getenv("SNAPSHOT_PATH")
	if cfg.SnapshotPath == "" {
		switch cfg.SnapshotBackend {
		case BackendFile:
			cfg.SnapshotPath = "data/sessions.json"
		case BackendBolt:
			cfg.SnapshotPath = "data/sessions.db"
		}
	}
	cfg.SnapshotKey = env.Getenv("SNAPSHOT_KEY")
	if cfg.SnapshotKey == "" {
		cfg.SnapshotKey = cfg.APIKey
	}

	cfg.RedisAddr = env.Getenv("REDIS_ADDR")
	cfg.RedisPassword = env.Getenv("REDIS_PASSWORD")
	cfg.RedisKey = env.Getenv("REDIS_KEY")
	if raw := env.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return Config{}, fmt.Errorf("invalid REDIS_DB")
		}
		cfg.RedisDB = db
	}
	if cfg.SnapshotBackend == BackendRedis && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR is required for the redis snapshot backend")
	}

	if raw := env.Getenv("BROWSER_ENGINE"); raw != "" {
		cfg.BrowserEngine = strings.ToLower(raw)
	}
	cfg.BrowserBin = env.Getenv("BROWSER_BIN")
	if raw := env.Getenv("BROWSER_HEADLESS"); raw != "" {
		headless, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROWSER_HEADLESS")
		}
		cfg.BrowserHeadless = headless
	}
	cfg.BrowserScreenshotDir = env.Getenv("BROWSER_SCREENSHOT_DIR")
	cfg.BrokerURL = env.Getenv("BROKER_URL")

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = strings.ToLower(raw)
	}

	return cfg, nil
}

func seconds(env Env, key string, def time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(n) * time.Second, nil
}

func positiveInt(env Env, key string, def int) (int, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}
