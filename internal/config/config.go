package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the AgentMesh broker.
type Config struct {
	Port            int             `yaml:"port"`
	Version         string          `yaml:"version"`
	DefaultTenantID string          `yaml:"default_tenant_id"`
	AdminToken      string          `yaml:"admin_token"`
	Sessions        SessionConfig   `yaml:"sessions"`
	Mailbox         MailboxConfig   `yaml:"mailbox"`
	Router          RouterConfig    `yaml:"router"`
	Store           StoreConfig     `yaml:"store"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// SessionConfig drives the heartbeat state machine.
type SessionConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold      time.Duration `yaml:"stale_threshold"`
	DisconnectThreshold time.Duration `yaml:"disconnect_threshold"`

	// Retention is how long a disconnected session's mailbox is kept for
	// reconnection before it drains to the dead-letter store.
	Retention time.Duration `yaml:"session_retention"`
}

// UnmarshalYAML accepts Go duration strings ("30s") or bare seconds for
// every timing field.
func (s *SessionConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HeartbeatInterval   string `yaml:"heartbeat_interval"`
		StaleThreshold      string `yaml:"stale_threshold"`
		DisconnectThreshold string `yaml:"disconnect_threshold"`
		Retention           string `yaml:"session_retention"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		in  string
		out *time.Duration
	}{
		{raw.HeartbeatInterval, &s.HeartbeatInterval},
		{raw.StaleThreshold, &s.StaleThreshold},
		{raw.DisconnectThreshold, &s.DisconnectThreshold},
		{raw.Retention, &s.Retention},
	} {
		if f.in == "" {
			continue
		}
		d, err := parseDuration(f.in)
		if err != nil {
			return err
		}
		*f.out = d
	}
	return nil
}

// parseDuration accepts "30s" style strings or bare integer seconds.
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// MailboxConfig bounds per-session queues.
type MailboxConfig struct {
	Capacity     int     `yaml:"mailbox_capacity"`
	WarningRatio float64 `yaml:"mailbox_warning_ratio"`
}

// RouterConfig bounds the data plane.
type RouterConfig struct {
	MaxPayloadBytes   int  `yaml:"max_payload_bytes"`
	EnableCrossTenant bool `yaml:"enable_cross_tenant"`

	// SenderRatePerMinute is the per-sender token budget. Zero disables
	// per-sender limiting.
	SenderRatePerMinute int `yaml:"sender_rate_per_minute"`
}

// StoreConfig selects and parameterizes the backing store.
type StoreConfig struct {
	Backend  string `yaml:"store_backend"` // "memory" or "remote"
	Endpoint string `yaml:"store_endpoint"`

	// SpillDir receives buffered writes flushed on shutdown while the
	// remote backend is degraded.
	SpillDir string `yaml:"spill_dir"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Load reads configuration from an optional YAML file (AGENTMESH_CONFIG_FILE)
// and environment variables. Environment variables win over the file.
func Load() *Config {
	cfg := &Config{
		Port:            8080,
		Version:         "0.4.0",
		DefaultTenantID: "default",
		Sessions: SessionConfig{
			HeartbeatInterval:   time.Second,
			StaleThreshold:      30 * time.Second,
			DisconnectThreshold: 60 * time.Second,
			Retention:           5 * time.Minute,
		},
		Mailbox: MailboxConfig{
			Capacity:     100,
			WarningRatio: 0.9,
		},
		Router: RouterConfig{
			MaxPayloadBytes:     10 << 20,
			EnableCrossTenant:   false,
			SenderRatePerMinute: 600,
		},
		Store: StoreConfig{
			Backend:  "memory",
			Endpoint: "localhost:6379",
			SpillDir: defaultSpillDir(),
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "agentmesh-broker",
		},
	}

	if path := os.Getenv("AGENTMESH_CONFIG_FILE"); path != "" {
		loadFile(cfg, path)
	}

	cfg.Port = envInt("AGENTMESH_PORT", cfg.Port)
	cfg.Version = envStr("AGENTMESH_VERSION", cfg.Version)
	cfg.DefaultTenantID = envStr("AGENTMESH_DEFAULT_TENANT", cfg.DefaultTenantID)
	cfg.AdminToken = envStr("AGENTMESH_ADMIN_TOKEN", cfg.AdminToken)

	cfg.Sessions.HeartbeatInterval = envDur("AGENTMESH_HEARTBEAT_INTERVAL", cfg.Sessions.HeartbeatInterval)
	cfg.Sessions.StaleThreshold = envDur("AGENTMESH_STALE_THRESHOLD", cfg.Sessions.StaleThreshold)
	cfg.Sessions.DisconnectThreshold = envDur("AGENTMESH_DISCONNECT_THRESHOLD", cfg.Sessions.DisconnectThreshold)
	cfg.Sessions.Retention = envDur("AGENTMESH_SESSION_RETENTION", cfg.Sessions.Retention)

	cfg.Mailbox.Capacity = envInt("AGENTMESH_MAILBOX_CAPACITY", cfg.Mailbox.Capacity)
	cfg.Mailbox.WarningRatio = envFloat("AGENTMESH_MAILBOX_WARNING_RATIO", cfg.Mailbox.WarningRatio)

	cfg.Router.MaxPayloadBytes = envInt("AGENTMESH_MAX_PAYLOAD_BYTES", cfg.Router.MaxPayloadBytes)
	cfg.Router.EnableCrossTenant = envBool("AGENTMESH_ENABLE_CROSS_TENANT", cfg.Router.EnableCrossTenant)
	cfg.Router.SenderRatePerMinute = envInt("AGENTMESH_SENDER_RATE_PER_MINUTE", cfg.Router.SenderRatePerMinute)

	cfg.Store.Backend = envStr("AGENTMESH_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Endpoint = envStr("AGENTMESH_STORE_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.SpillDir = envStr("AGENTMESH_SPILL_DIR", cfg.Store.SpillDir)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)

	return cfg
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot read config file, using defaults")
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot parse config file, using defaults")
	}
}

func defaultSpillDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmesh"
	}
	return home + "/.agentmesh"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
