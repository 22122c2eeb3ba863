package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	BackendNone     = "none"
	BackendREST     = "rest"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

type AppConfig struct {
	RelayURL string

	BackendMode  string
	BackendURL   string
	BackendToken string
	DatabaseURL  string

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string

	RedisURL    string
	StatusAddr  string
	StatusToken string

	SessionPolicy string

	DrainInterval        time.Duration
	ErrorRetryInterval   time.Duration
	ConnectionCheckTTL   time.Duration
	MaxDependencyRetries int

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	BackupBucket    string
	BackupEndpoint  string
	BackupRegion    string
	BackupAccessKey string
	BackupSecretKey string
	BackupInterval  time.Duration
}

// fileConfig mirrors AppConfig for the optional YAML overlay. Durations are strings ("30s").
type fileConfig struct {
	RelayURL string `yaml:"relay_url"`
	Backend  struct {
		Mode        string `yaml:"mode"`
		URL         string `yaml:"url"`
		Token       string `yaml:"token"`
		DatabaseURL string `yaml:"database_url"`
		NATSURL     string `yaml:"nats_url"`
		Stream      string `yaml:"stream"`
		Subject     string `yaml:"subject_prefix"`
	} `yaml:"backend"`
	RedisURL      string `yaml:"redis_url"`
	StatusAddr    string `yaml:"status_addr"`
	StatusToken   string `yaml:"status_token"`
	SessionPolicy string `yaml:"session_policy"`
	Sync          struct {
		DrainInterval        string `yaml:"drain_interval"`
		ErrorRetryInterval   string `yaml:"error_retry_interval"`
		ConnectionCheckTTL   string `yaml:"connection_check_ttl"`
		MaxDependencyRetries int    `yaml:"max_dependency_retries"`
	} `yaml:"sync"`
	Relay struct {
		Heartbeat      string `yaml:"heartbeat"`
		ReconnectDelay string `yaml:"reconnect_delay"`
	} `yaml:"relay"`
	Backup struct {
		Bucket    string `yaml:"bucket"`
		Endpoint  string `yaml:"endpoint"`
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Interval  string `yaml:"interval"`
	} `yaml:"backup"`
}

func defaults() *AppConfig {
	return &AppConfig{
		NATSStream:           "ESCORESHEET_SYNC",
		NATSSubjectPrefix:    "escoresheet.sync",
		StatusAddr:           ":8090",
		SessionPolicy:        "takeover",
		DrainInterval:        time.Second,
		ErrorRetryInterval:   30 * time.Second,
		ConnectionCheckTTL:   30 * time.Second,
		MaxDependencyRetries: 10,
		HeartbeatInterval:    30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		BackupRegion:         "auto",
		BackupInterval:       2 * time.Minute,
	}
}

// Load reads .env (optional), CONFIG_FILE (optional YAML), then environment variables.
// Environment wins over the file.
func Load() (*AppConfig, error) {
	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := applyYAML(cfg, raw); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyYAML(cfg *AppConfig, raw []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setString(&cfg.RelayURL, fc.RelayURL)
	setString(&cfg.BackendMode, fc.Backend.Mode)
	setString(&cfg.BackendURL, fc.Backend.URL)
	setString(&cfg.BackendToken, fc.Backend.Token)
	setString(&cfg.DatabaseURL, fc.Backend.DatabaseURL)
	setString(&cfg.NATSURL, fc.Backend.NATSURL)
	setString(&cfg.NATSStream, fc.Backend.Stream)
	setString(&cfg.NATSSubjectPrefix, fc.Backend.Subject)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.StatusAddr, fc.StatusAddr)
	setString(&cfg.StatusToken, fc.StatusToken)
	setString(&cfg.SessionPolicy, fc.SessionPolicy)
	setString(&cfg.BackupBucket, fc.Backup.Bucket)
	setString(&cfg.BackupEndpoint, fc.Backup.Endpoint)
	setString(&cfg.BackupRegion, fc.Backup.Region)
	setString(&cfg.BackupAccessKey, fc.Backup.AccessKey)
	setString(&cfg.BackupSecretKey, fc.Backup.SecretKey)
	if fc.Sync.MaxDependencyRetries > 0 {
		cfg.MaxDependencyRetries = fc.Sync.MaxDependencyRetries
	}

	durations := []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&cfg.DrainInterval, fc.Sync.DrainInterval, "sync.drain_interval"},
		{&cfg.ErrorRetryInterval, fc.Sync.ErrorRetryInterval, "sync.error_retry_interval"},
		{&cfg.ConnectionCheckTTL, fc.Sync.ConnectionCheckTTL, "sync.connection_check_ttl"},
		{&cfg.HeartbeatInterval, fc.Relay.Heartbeat, "relay.heartbeat"},
		{&cfg.ReconnectDelay, fc.Relay.ReconnectDelay, "relay.reconnect_delay"},
		{&cfg.BackupInterval, fc.Backup.Interval, "backup.interval"},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	setString(&cfg.RelayURL, os.Getenv("RELAY_URL"))
	setString(&cfg.BackendMode, os.Getenv("BACKEND_MODE"))
	setString(&cfg.BackendURL, os.Getenv("BACKEND_URL"))
	setString(&cfg.BackendToken, os.Getenv("BACKEND_TOKEN"))
	setString(&cfg.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&cfg.NATSURL, os.Getenv("NATS_URL"))
	setString(&cfg.NATSStream, os.Getenv("NATS_STREAM"))
	setString(&cfg.NATSSubjectPrefix, os.Getenv("NATS_SUBJECT_PREFIX"))
	setString(&cfg.RedisURL, os.Getenv("REDIS_URL"))
	setString(&cfg.StatusAddr, os.Getenv("STATUS_ADDR"))
	setString(&cfg.StatusToken, os.Getenv("STATUS_TOKEN"))
	setString(&cfg.SessionPolicy, os.Getenv("SESSION_POLICY"))
	setString(&cfg.BackupBucket, os.Getenv("BACKUP_BUCKET"))
	setString(&cfg.BackupEndpoint, os.Getenv("BACKUP_ENDPOINT"))
	setString(&cfg.BackupRegion, os.Getenv("BACKUP_REGION"))
	setString(&cfg.BackupAccessKey, os.Getenv("BACKUP_ACCESS_KEY_ID"))
	setString(&cfg.BackupSecretKey, os.Getenv("BACKUP_SECRET_ACCESS_KEY"))

	if v := strings.TrimSpace(os.Getenv("MAX_DEPENDENCY_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDependencyRetries = n
		}
	}

	durations := map[string]*time.Duration{
		"DRAIN_INTERVAL":        &cfg.DrainInterval,
		"ERROR_RETRY_INTERVAL":  &cfg.ErrorRetryInterval,
		"CONNECTION_CHECK_TTL":  &cfg.ConnectionCheckTTL,
		"RELAY_HEARTBEAT":       &cfg.HeartbeatInterval,
		"RELAY_RECONNECT_DELAY": &cfg.ReconnectDelay,
		"BACKUP_INTERVAL":       &cfg.BackupInterval,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func finalize(cfg *AppConfig) error {
	if cfg.RelayURL == "" && cfg.BackendURL != "" {
		derived, err := deriveRelayURL(cfg.BackendURL)
		if err != nil {
			return fmt.Errorf("derive relay url: %w", err)
		}
		cfg.RelayURL = derived
	}

	if cfg.BackendMode == "" {
		switch {
		case cfg.BackendURL != "":
			cfg.BackendMode = BackendREST
		case cfg.DatabaseURL != "":
			cfg.BackendMode = BackendPostgres
		case cfg.NATSURL != "":
			cfg.BackendMode = BackendNATS
		default:
			cfg.BackendMode = BackendNone
		}
	}
	cfg.BackendMode = strings.ToLower(cfg.BackendMode)

	switch cfg.BackendMode {
	case BackendNone:
	case BackendREST:
		if cfg.BackendURL == "" {
			return errors.New("BACKEND_URL is required for rest backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres backend")
		}
	case BackendNATS:
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required for nats backend")
		}
	default:
		return fmt.Errorf("unknown BACKEND_MODE %q", cfg.BackendMode)
	}

	if cfg.RelayURL == "" && cfg.BackendMode == BackendNone {
		return errors.New("RELAY_URL or a backend is required")
	}
	if cfg.DrainInterval <= 0 || cfg.ErrorRetryInterval <= 0 || cfg.HeartbeatInterval <= 0 || cfg.ReconnectDelay <= 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}

// deriveRelayURL maps http(s)://host/... to ws(s)://host.
func deriveRelayURL(backend string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", backend)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host, nil
}

// parseDuration accepts Go durations ("30s") or bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func setString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}
