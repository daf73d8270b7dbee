package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "execd"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Broker                  BrokerConfig              `mapstructure:"broker"`
	Risk                    RiskConfig                `mapstructure:"risk"`
	Execution               ExecutionConfig           `mapstructure:"execution"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   RedisConfig               `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type APIKeyConfig struct {
	Name   string `mapstructure:"name"`
	Key    string `mapstructure:"key"`
	Active bool   `mapstructure:"active"`
}

type BrokerConfig struct {
	Name                 string        `mapstructure:"name"`
	URL                  string        `mapstructure:"url"`
	APIKey               string        `mapstructure:"api_key"`
	APISecret            string        `mapstructure:"api_secret"`
	Account              string        `mapstructure:"account"`
	Paper                bool          `mapstructure:"paper"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	AckWindow            time.Duration `mapstructure:"ack_window"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectFactor      float64       `mapstructure:"reconnect_factor"`
	MinJitter            time.Duration `mapstructure:"min_jitter"`
	MaxJitter            time.Duration `mapstructure:"max_jitter"`
}

// RiskConfig is the pre-trade limit set. Loaded once at startup and
// treated as read-only by the risk gate.
type RiskConfig struct {
	MaxOrderQuantity    decimal.Decimal            `mapstructure:"max_order_quantity"`
	MaxOrderNotional    decimal.Decimal            `mapstructure:"max_order_notional"`
	MaxPositionExposure decimal.Decimal            `mapstructure:"max_position_exposure"`
	MaxLeverage         decimal.Decimal            `mapstructure:"max_leverage"`
	AccountEquity       decimal.Decimal            `mapstructure:"account_equity"`
	ReferencePrices     map[string]decimal.Decimal `mapstructure:"reference_prices"`
}

type ExecutionConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	PendingGrace      time.Duration `mapstructure:"pending_grace"`
	PositionStaleness time.Duration `mapstructure:"position_staleness"`
	DispatchWorkers   int           `mapstructure:"dispatch_workers"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
