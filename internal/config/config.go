package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
)

// Config is the full service configuration, loaded from BRIDGE_-prefixed
// environment variables. A local .env file is picked up automatically.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Chain       ChainConfig       `koanf:"chain"`
	Attestation AttestationConfig `koanf:"attestation"`
	Workflow    WorkflowConfig    `koanf:"workflow"`
	Database    DatabaseConfig    `koanf:"database"`
	Logger      LoggerConfig      `koanf:"logger"`
}

type ServerConfig struct {
	Port         int           `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"required"`
	HMACSecret   string        `koanf:"hmac_secret"`
	HMACMaxSkew  time.Duration `koanf:"hmac_max_skew" validate:"required"`
}

type LedgerConfig struct {
	RPCURL       string        `koanf:"rpc_url" validate:"required,url"`
	Timeout      time.Duration `koanf:"timeout" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"required"`
}

type ChainConfig struct {
	RPCURL            string `koanf:"rpc_url" validate:"required"`
	PrivateKey        string `koanf:"private_key"`
	RegistryAddress   string `koanf:"registry_address" validate:"required,eth_addr"`
	ControllerAddress string `koanf:"controller_address" validate:"required,eth_addr"`
	PoolAddress       string `koanf:"pool_address" validate:"omitempty,eth_addr"`
}

type AttestationConfig struct {
	VerifierURL     string        `koanf:"verifier_url" validate:"omitempty,url"`
	VerifierAPIKey  string        `koanf:"verifier_api_key"`
	DALayerURL      string        `koanf:"da_layer_url" validate:"omitempty,url"`
	DALayerAPIKey   string        `koanf:"da_layer_api_key"`
	Timeout         time.Duration `koanf:"timeout"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	MaxAttempts     int           `koanf:"max_attempts"`
	VerifierABIPath string        `koanf:"verifier_abi_path"`
	VerifierMethod  string        `koanf:"verifier_method"`
}

type WorkflowConfig struct {
	WatchTimeout time.Duration `koanf:"watch_timeout" validate:"required"`
	WalletID     uint64        `koanf:"wallet_id"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type LoggerConfig struct {
	Level string `koanf:"level"`
}

// Enabled reports whether the attestation loop is configured at all.
func (a AttestationConfig) Enabled() bool {
	return a.VerifierURL != "" && a.DALayerURL != ""
}

var defaults = map[string]interface{}{
	"server.port":                 3000,
	"server.read_timeout":         "15s",
	"server.write_timeout":        "10m",
	"server.hmac_max_skew":        "60s",
	"ledger.timeout":              "30s",
	"ledger.poll_interval":        "2s",
	"attestation.timeout":         "30s",
	"attestation.poll_interval":   "10s",
	"attestation.max_attempts":    10,
	"attestation.verifier_method": "verifyJsonApi",
	"workflow.watch_timeout":      "5m",
	"logger.level":                "info",
}

// Load reads defaults, then the environment, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	err := k.Load(env.Provider("BRIDGE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "BRIDGE_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
