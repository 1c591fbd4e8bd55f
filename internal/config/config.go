package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the process configuration loaded at boot. The protocol options
// under Protocol are seed values only: once the parameter table is
// bootstrapped, governance owns them and the file values are ignored.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Proofs   ProofConfig    `yaml:"proofs"`
	Sweeps   SweepConfig    `yaml:"sweeps"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// ProtocolConfig seeds the governed parameter table on first boot.
type ProtocolConfig struct {
	ProtocolFeePercentage     float64 `yaml:"protocol_fee_percentage"`
	ClientFeePercentage       float64 `yaml:"client_fee_percentage"`
	EscrowHoldDurationDays    int     `yaml:"escrow_hold_duration_days"`
	DisputeWindowDays         int     `yaml:"dispute_window_days"`
	EmergencyPauseEnabled     bool    `yaml:"emergency_pause_enabled"`
	ProofValidityDaysDefault  int     `yaml:"proof_validity_days_default"`
	VendorResponseWindowHours int     `yaml:"vendor_response_window_hours"`
}

type ProofConfig struct {
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
}

type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// DefaultConfig returns the built-in defaults, matching the protocol
// defaults of the parameter table.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Protocol: ProtocolConfig{
			ProtocolFeePercentage:     3.0,
			ClientFeePercentage:       0.0,
			EscrowHoldDurationDays:    7,
			DisputeWindowDays:         7,
			EmergencyPauseEnabled:     false,
			ProofValidityDaysDefault:  30,
			VendorResponseWindowHours: 48,
		},
		Sweeps: SweepConfig{IntervalSeconds: 60},
	}
}

// Load reads a yaml config file over the defaults, then applies env
// overrides. A missing file is not an error; env-only deployments are the
// normal Cloud Run case.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		cfg.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC_ID"); v != "" {
		cfg.PubSub.TopicID = v
	}
	if v := os.Getenv("PROOF_PRIVATE_KEY"); v != "" {
		cfg.Proofs.PrivateKeyPath = v
	}
	if v := os.Getenv("PROOF_PUBLIC_KEY"); v != "" {
		cfg.Proofs.PublicKeyPath = v
	}
}
