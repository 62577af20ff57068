package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the optional file-based configuration structure.
// LoadWithFile reads this first, then lets environment variables override it.
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	Postgres TOMLPostgresConfig `toml:"postgres"`
	Broker   TOMLBrokerConfig   `toml:"broker"`
	CAS      TOMLCASConfig      `toml:"cas"`
	Timers   TOMLTimerConfig    `toml:"timers"`
	Outbox   TOMLOutboxConfig   `toml:"outbox"`
	Leader   TOMLLeaderConfig   `toml:"leader"`
	DataDir  string             `toml:"data_dir"`
	DevMode  bool               `toml:"dev_mode"`
}

type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type TOMLPostgresConfig struct {
	DSN             string `toml:"dsn"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	ConnMaxLifetime string `toml:"conn_max_lifetime"`
}

type TOMLBrokerConfig struct {
	URL          string `toml:"url"`
	RetryDelay   string `toml:"retry_delay"`
	StreamPrefix string `toml:"stream_prefix"`
}

type TOMLCASConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DestID          string `toml:"dest_id"`
	Password        string `toml:"password"`
	Realm           string `toml:"realm"`
	CentralSystemID string `toml:"central_system_id"`
	MagicNumber     int    `toml:"magic_number"`
	MaxBodyLength   int    `toml:"max_body_length"`
}

type TOMLTimerConfig struct {
	TResp  string `toml:"t_resp"`
	TPong  string `toml:"t_pong"`
	TSess  string `toml:"t_sess"`
	TRecon string `toml:"t_recon"`
	TXmit  string `toml:"t_xmit"`
}

type TOMLOutboxConfig struct {
	MaxRetries        int    `toml:"max_retries"`
	PollInterval      string `toml:"poll_interval"`
	PollBatchSize     int    `toml:"poll_batch_size"`
	MaxConcurrency    int    `toml:"max_concurrency"`
	RecoveryInterval  string `toml:"recovery_interval"`
	RecoveryThreshold string `toml:"recovery_threshold"`
}

type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// ConfigPaths lists the paths to search for a config file.
var ConfigPaths = []string{
	"config.toml",
	"./config/config.toml",
	"/etc/disaster-relay/config.toml",
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg), nil
}

// LoadWithFile loads configuration from file first, then overrides with env vars.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", configPath, err)
	}

	return mergeConfigs(fileCfg, cfg), nil
}

func tomlConfigToConfig(tc *TOMLConfig) *Config {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Postgres: PostgresConfig{
			DSN:          tc.Postgres.DSN,
			MaxOpenConns: tc.Postgres.MaxOpenConns,
			MaxIdleConns: tc.Postgres.MaxIdleConns,
		},
		Broker: BrokerConfig{
			URL:          tc.Broker.URL,
			StreamPrefix: tc.Broker.StreamPrefix,
		},
		CAS: CASConfig{
			Host:            tc.CAS.Host,
			Port:            tc.CAS.Port,
			DestID:          tc.CAS.DestID,
			Password:        tc.CAS.Password,
			Realm:           tc.CAS.Realm,
			CentralSystemID: tc.CAS.CentralSystemID,
			MagicNumber:     uint32(tc.CAS.MagicNumber),
			MaxBodyLength:   tc.CAS.MaxBodyLength,
		},
		Outbox: OutboxConfig{
			MaxRetries:     tc.Outbox.MaxRetries,
			PollBatchSize:  tc.Outbox.PollBatchSize,
			MaxConcurrency: tc.Outbox.MaxConcurrency,
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	if d, err := time.ParseDuration(tc.Broker.RetryDelay); err == nil {
		cfg.Broker.RetryDelay = d
	}
	if d, err := time.ParseDuration(tc.Postgres.ConnMaxLifetime); err == nil {
		cfg.Postgres.ConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(tc.Timers.TResp); err == nil {
		cfg.Timers.TResp = d
	}
	if d, err := time.ParseDuration(tc.Timers.TPong); err == nil {
		cfg.Timers.TPong = d
	}
	if d, err := time.ParseDuration(tc.Timers.TSess); err == nil {
		cfg.Timers.TSess = d
	}
	if d, err := time.ParseDuration(tc.Timers.TRecon); err == nil {
		cfg.Timers.TRecon = d
	}
	if d, err := time.ParseDuration(tc.Timers.TXmit); err == nil {
		cfg.Timers.TXmit = d
	}
	if d, err := time.ParseDuration(tc.Outbox.PollInterval); err == nil {
		cfg.Outbox.PollInterval = d
	}
	if d, err := time.ParseDuration(tc.Outbox.RecoveryInterval); err == nil {
		cfg.Outbox.RecoveryInterval = d
	}
	if d, err := time.ParseDuration(tc.Outbox.RecoveryThreshold); err == nil {
		cfg.Outbox.RecoveryThreshold = d
	}
	if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
		cfg.Leader.TTL = d
	}
	if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
		cfg.Leader.RefreshInterval = d
	}

	return cfg
}

// mergeConfigs merges two configs, with override taking precedence for non-zero values.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}
	if override.Postgres.DSN != "" {
		result.Postgres.DSN = override.Postgres.DSN
	}
	if override.Broker.URL != "" {
		result.Broker.URL = override.Broker.URL
	}
	if override.CAS.Host != "" && override.CAS.Host != "localhost" {
		result.CAS.Host = override.CAS.Host
	}
	if override.CAS.DestID != "" {
		result.CAS.DestID = override.CAS.DestID
	}
	if override.CAS.Password != "" {
		result.CAS.Password = override.CAS.Password
	}
	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}
	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# disaster-relay gateway configuration
# Environment variables override these settings

[http]
port = 8080
cors_origins = []

[postgres]
dsn = "postgres://localhost:5432/disasterrelay?sslmode=disable"
max_open_conns = 20
max_idle_conns = 5
conn_max_lifetime = "30m"

[broker]
url = "nats://localhost:4222"
retry_delay = "10s"
stream_prefix = ""

[cas]
host = "localhost"
port = 9000
dest_id = ""
password = ""
realm = ""
central_system_id = ""
magic_number = 1128354609
max_body_length = 20971520

[timers]
t_resp = "10s"
t_pong = "10s"
t_sess = "30s"
t_recon = "60s"
t_xmit = "10s"

[outbox]
max_retries = 3
poll_interval = "5s"
poll_batch_size = 100
max_concurrency = 5
recovery_interval = "60s"
recovery_threshold = "15m"

[leader]
enabled = false
instance_id = ""
ttl = "30s"
refresh_interval = "10s"

data_dir = "./data"
dev_mode = false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
