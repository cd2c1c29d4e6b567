// Package config loads courier configuration from files and the
// environment.
//
// Every setting has a default, can be set in an optional config file
// (YAML, TOML, or JSON, whatever viper recognizes), and can be overridden
// with a COURIER_ environment variable. Nested keys map to underscores,
// so agent.sync_interval becomes COURIER_AGENT_SYNC_INTERVAL.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Agent holds configuration for the courier agent daemon.
type Agent struct {
	// DatabasePath is the record store location.
	DatabasePath string `mapstructure:"database_path"`

	// ProducerID identifies this host to the ingestion server.
	ProducerID string `mapstructure:"producer_id"`

	// ServerURL is the ingestion endpoint base URL. Empty means no
	// network transport; archives are deferred until one is configured
	// unless SpoolDir is set.
	ServerURL string `mapstructure:"server_url"`

	// APIToken authenticates uploads.
	APIToken string `mapstructure:"api_token"`

	// SpoolDir, when set and ServerURL is empty, receives archives as
	// local files instead of uploads.
	SpoolDir string `mapstructure:"spool_dir"`

	// WatchDir, when set, is scanned for dropped artifact files.
	WatchDir string `mapstructure:"watch_dir"`

	// SyncInterval is the time between sync cycles.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// RetentionWindow is how long synced records are kept locally.
	RetentionWindow time.Duration `mapstructure:"retention_window"`

	// UploadTimeout bounds a single upload attempt.
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`

	// LogFile, when set, receives rotated agent logs instead of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Server holds configuration for the ingestion server.
type Server struct {
	// Port the HTTP server listens on.
	Port int `mapstructure:"port"`

	// APIToken that uploads must present. Required.
	APIToken string `mapstructure:"api_token"`

	// StorageRoot is where extracted archives land.
	StorageRoot string `mapstructure:"storage_root"`

	// AllowedNetworks is a list of CIDR prefixes allowed to upload.
	// Empty allows all sources.
	AllowedNetworks []string `mapstructure:"allowed_networks"`

	// MaxUploadBytes caps a single upload request body.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// RetentionDays is how long date shards are kept before sweeping.
	RetentionDays int `mapstructure:"retention_days"`

	// SweepInterval is the time between retention sweeps.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// LogFile, when set, receives rotated server logs instead of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Config is the full courier configuration tree.
type Config struct {
	Agent  Agent  `mapstructure:"agent"`
	Server Server `mapstructure:"server"`
}

// Load reads configuration from the given file (empty means defaults plus
// environment only) and returns the merged result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.Agent.ProducerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("producer_id not set and hostname unavailable: %w", err)
		}
		cfg.Agent.ProducerID = host
	}

	return &cfg, nil
}

// setDefaults registers every key, including the ones that default to empty.
// AutomaticEnv only surfaces COURIER_ variables for keys viper knows about,
// so an unregistered key could not be set from the environment at all.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.database_path", "courier.db")
	v.SetDefault("agent.producer_id", "")
	v.SetDefault("agent.server_url", "")
	v.SetDefault("agent.api_token", "")
	v.SetDefault("agent.spool_dir", "")
	v.SetDefault("agent.watch_dir", "")
	v.SetDefault("agent.sync_interval", 10*time.Minute)
	v.SetDefault("agent.retention_window", 7*24*time.Hour)
	v.SetDefault("agent.upload_timeout", 30*time.Second)
	v.SetDefault("agent.log_file", "")

	v.SetDefault("server.port", 5000)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.storage_root", "uploads")
	v.SetDefault("server.allowed_networks", []string{})
	v.SetDefault("server.max_upload_bytes", int64(100<<20))
	v.SetDefault("server.retention_days", 30)
	v.SetDefault("server.sweep_interval", 24*time.Hour)
	v.SetDefault("server.log_file", "")
}

// Validate checks agent settings that would otherwise fail at runtime.
func (a *Agent) Validate() error {
	if a.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	if a.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive, got %s", a.SyncInterval)
	}
	if a.RetentionWindow <= 0 {
		return fmt.Errorf("retention_window must be positive, got %s", a.RetentionWindow)
	}
	if a.ServerURL != "" && a.APIToken == "" {
		return fmt.Errorf("api_token is required when server_url is set")
	}
	return nil
}

// Validate checks server settings that would otherwise fail at runtime.
func (s *Server) Validate() error {
	if s.APIToken == "" {
		return fmt.Errorf("api_token cannot be empty")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", s.Port)
	}
	if s.StorageRoot == "" {
		return fmt.Errorf("storage_root cannot be empty")
	}
	if s.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", s.RetentionDays)
	}
	if _, err := s.Networks(); err != nil {
		return err
	}
	return nil
}

// Networks parses AllowedNetworks into CIDR prefixes. Bare addresses are
// accepted and treated as single-host prefixes.
func (s *Server) Networks() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.AllowedNetworks))
	for _, raw := range s.AllowedNetworks {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid network %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", raw, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
