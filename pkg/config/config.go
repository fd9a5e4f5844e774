// Package config loads the Helios node configuration: a YAML file resolved
// through viper, with .env files and environment variables layered on top.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"helios-chain/pkg/utils"
)

// Config mirrors the structure of the node YAML file.
type Config struct {
	Network struct {
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MetricsAddr    string   `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		ConfigFile       string `mapstructure:"config_file" json:"config_file"`
		GenesisTimestamp uint64 `mapstructure:"genesis_timestamp" json:"genesis_timestamp"`
		ValidatorAddress string `mapstructure:"validator_address" json:"validator_address"`
	} `mapstructure:"consensus" json:"consensus"`

	Execution struct {
		GasScheduleFile string `mapstructure:"gas_schedule_file" json:"gas_schedule_file"`
		CoinbaseAddress string `mapstructure:"coinbase_address" json:"coinbase_address"`
	} `mapstructure:"execution" json:"execution"`

	Storage struct {
		SnapshotDir      string `mapstructure:"snapshot_dir" json:"snapshot_dir"`
		PruningMode      string `mapstructure:"pruning_mode" json:"pruning_mode"`
		PruningEnabled   bool   `mapstructure:"pruning_enabled" json:"pruning_enabled"`
		RetainBlocksFull uint64 `mapstructure:"retain_blocks_full" json:"retain_blocks_full"`
	} `mapstructure:"storage" json:"storage"`

	Keystore string `mapstructure:"keystore" json:"keystore"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads the configuration file at path (YAML), after loading any .env
// file in the working directory. Environment variables prefixed HELIOS_
// override file values.
func Load(path string) (*Config, error) {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HELIOS")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// LoadFromEnv builds a configuration from defaults and environment only, for
// setups that run without a file.
func LoadFromEnv() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/0")
	v.SetDefault("network.discovery_tag", "helios-chain")
	v.SetDefault("network.metrics_addr", "")
	v.SetDefault("consensus.config_file", "./poa.json")
	v.SetDefault("execution.gas_schedule_file", "")
	v.SetDefault("storage.snapshot_dir", "./snapshots")
	v.SetDefault("storage.pruning_mode", "archive")
	v.SetDefault("storage.retain_blocks_full", uint64(100_000))
	v.SetDefault("keystore", "./keystore/node_key")
	v.SetDefault("logging.level", "info")
}

func applyEnvOverrides(cfg *Config) {
	cfg.Network.ListenAddr = utils.EnvOrDefault("HELIOS_LISTEN_ADDR", cfg.Network.ListenAddr)
	cfg.Keystore = utils.EnvOrDefault("HELIOS_KEYSTORE", cfg.Keystore)
	cfg.Logging.Level = utils.EnvOrDefault("HELIOS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Consensus.GenesisTimestamp = utils.EnvOrDefaultUint64("HELIOS_GENESIS_TIMESTAMP", cfg.Consensus.GenesisTimestamp)
	cfg.Storage.PruningEnabled = utils.EnvOrDefaultBool("HELIOS_PRUNING_ENABLED", cfg.Storage.PruningEnabled)
}
