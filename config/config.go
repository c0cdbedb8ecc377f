package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	AuthConfig      AuthConfig      `json:"auth"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	SchedulerConfig SchedulerConfig `json:"scheduler"`
	TriggerConfig   TriggerConfig   `json:"triggers"`
	EvolutionConfig EvolutionConfig `json:"evolution"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	Agents          []AgentConfig   `json:"agents"`
}

type ServerConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
	TokenTTL  int    `json:"token_ttl_hours"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled        bool   `json:"enabled"`
	Address        string `json:"address"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	PoolSize       int    `json:"pool_size"`
	SnapshotTTLSec int    `json:"snapshot_ttl_seconds"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type SchedulerConfig struct {
	PollIntervalSeconds      int `json:"poll_interval_seconds"`
	MaxConcurrentAgents      int `json:"max_concurrent_agents"`
	MinDwellMinutes          int `json:"min_dwell_minutes"`
	MetricsLookbackDays      int `json:"metrics_lookback_days"`
	InvocationTimeoutSeconds int `json:"invocation_timeout_seconds"`
	MinSamples               int `json:"min_samples"`
}

// TriggerConfig thresholds are fractions (0.10 = 10%).
type TriggerConfig struct {
	EmergencyMaxDrawdown   float64 `json:"emergency_max_drawdown"`
	EmergencyMaxLossStreak int     `json:"emergency_max_loss_streak"`
	EmergencyVolSpike      float64 `json:"emergency_vol_spike"`
	EmergencyCorrelation   float64 `json:"emergency_correlation"`
	ReviewDailyReturn      float64 `json:"review_daily_return"`
	CalmMarketVol          float64 `json:"calm_market_vol"`
	AlphaOpportunity       float64 `json:"alpha_opportunity"`
	MaxPortfolioDrift      float64 `json:"max_portfolio_drift"`
}

type EvolutionConfig struct {
	MinSharpeRatio          float64 `json:"min_sharpe_ratio"`
	MinWinRate              float64 `json:"min_win_rate"`
	MaxDrawdown             float64 `json:"max_drawdown"`
	MaxTransactionCostRatio float64 `json:"max_transaction_cost_ratio"`
	TrialPeriodDays         int     `json:"trial_period_days"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

type AgentConfig struct {
	AgentID         string `json:"agent_id"`
	StrategyRef     string `json:"strategy_ref"`
	StrategyVersion string `json:"strategy_version"`
}

// Load reads CONFIG_FILE (default config.json) when present, then
// applies environment overrides, then fills defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ServerConfig.Port = port
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.AuthConfig.JWTSecret = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DatabaseConfig.Host = v
		cfg.DatabaseConfig.Enabled = true
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DatabaseConfig.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DatabaseConfig.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DatabaseConfig.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DatabaseConfig.Database = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.RedisConfig.Address = v
		cfg.RedisConfig.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisConfig.Password = v
	}
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.VaultConfig.Address = v
		cfg.VaultConfig.Enabled = true
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		cfg.VaultConfig.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LoggingConfig.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.RedisConfig.SnapshotTTLSec == 0 {
		cfg.RedisConfig.SnapshotTTLSec = 300
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "decision-engine"
	}
	if cfg.AuthConfig.TokenTTL == 0 {
		cfg.AuthConfig.TokenTTL = 24
	}
	if cfg.SchedulerConfig.PollIntervalSeconds == 0 {
		cfg.SchedulerConfig.PollIntervalSeconds = 60
	}
	if cfg.SchedulerConfig.MaxConcurrentAgents == 0 {
		cfg.SchedulerConfig.MaxConcurrentAgents = 8
	}
	if cfg.SchedulerConfig.MinDwellMinutes == 0 {
		cfg.SchedulerConfig.MinDwellMinutes = 2
	}
	if cfg.SchedulerConfig.MetricsLookbackDays == 0 {
		cfg.SchedulerConfig.MetricsLookbackDays = 30
	}
	if cfg.SchedulerConfig.InvocationTimeoutSeconds == 0 {
		cfg.SchedulerConfig.InvocationTimeoutSeconds = 120
	}
	if cfg.SchedulerConfig.MinSamples == 0 {
		cfg.SchedulerConfig.MinSamples = 10
	}
	if cfg.TriggerConfig.EmergencyMaxDrawdown == 0 {
		cfg.TriggerConfig.EmergencyMaxDrawdown = 0.10
	}
	if cfg.TriggerConfig.EmergencyMaxLossStreak == 0 {
		cfg.TriggerConfig.EmergencyMaxLossStreak = 5
	}
	if cfg.TriggerConfig.EmergencyVolSpike == 0 {
		cfg.TriggerConfig.EmergencyVolSpike = 0.30
	}
	if cfg.TriggerConfig.EmergencyCorrelation == 0 {
		cfg.TriggerConfig.EmergencyCorrelation = 0.90
	}
	if cfg.TriggerConfig.ReviewDailyReturn == 0 {
		cfg.TriggerConfig.ReviewDailyReturn = 0.05
	}
	if cfg.TriggerConfig.CalmMarketVol == 0 {
		cfg.TriggerConfig.CalmMarketVol = 0.05
	}
	if cfg.TriggerConfig.AlphaOpportunity == 0 {
		cfg.TriggerConfig.AlphaOpportunity = 0.02
	}
	if cfg.TriggerConfig.MaxPortfolioDrift == 0 {
		cfg.TriggerConfig.MaxPortfolioDrift = 0.05
	}
	if cfg.EvolutionConfig.MinSharpeRatio == 0 {
		cfg.EvolutionConfig.MinSharpeRatio = 0.5
	}
	if cfg.EvolutionConfig.MinWinRate == 0 {
		cfg.EvolutionConfig.MinWinRate = 0.4
	}
	if cfg.EvolutionConfig.MaxDrawdown == 0 {
		cfg.EvolutionConfig.MaxDrawdown = 0.15
	}
	if cfg.EvolutionConfig.MaxTransactionCostRatio == 0 {
		cfg.EvolutionConfig.MaxTransactionCostRatio = 0.02
	}
	if cfg.EvolutionConfig.TrialPeriodDays == 0 {
		cfg.EvolutionConfig.TrialPeriodDays = 7
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}
