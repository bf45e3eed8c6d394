package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Bind            string        `mapstructure:"bind"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		InboundRate     int           `mapstructure:"inbound_rate"`
	} `mapstructure:"server"`

	Metrics struct {
		Bind string `mapstructure:"bind"`
		Path string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	Backend struct {
		CoreURL          string        `mapstructure:"core_url"`
		PrivilegedURL    string        `mapstructure:"privileged_url"`
		PrivilegedPrefix string        `mapstructure:"privileged_prefix"`
		RequestTimeout   time.Duration `mapstructure:"request_timeout"`
		NumClients       int           `mapstructure:"num_clients"`
		PerSecond        int           `mapstructure:"per_second"`
	} `mapstructure:"backend"`

	Queue struct {
		Limit           int           `mapstructure:"limit"`
		PrivilegedLimit int           `mapstructure:"privileged_limit"`
		DefaultPriority string        `mapstructure:"default_priority"`
		Dedupe          bool          `mapstructure:"dedupe"`
		MaxRetries      int           `mapstructure:"max_retries"`
		RetryDelay      time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"queue"`

	Journal struct {
		Enabled    bool          `mapstructure:"enabled"`
		Type       string        `mapstructure:"type"`
		Path       string        `mapstructure:"path"`
		Retention  time.Duration `mapstructure:"retention"`
		MaxEntries int           `mapstructure:"max_entries"`
	} `mapstructure:"journal"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.bind", "127.0.0.1:4243")
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)
	viper.SetDefault("server.inbound_rate", 100)

	viper.SetDefault("metrics.bind", "127.0.0.1:9095")
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("backend.privileged_prefix", "/api/1/privileged")
	viper.SetDefault("backend.request_timeout", 30*time.Second)
	viper.SetDefault("backend.num_clients", 10)
	viper.SetDefault("backend.per_second", 50)

	viper.SetDefault("queue.limit", 5)
	viper.SetDefault("queue.privileged_limit", 2)
	viper.SetDefault("queue.default_priority", "normal")
	viper.SetDefault("queue.dedupe", true)
	viper.SetDefault("queue.max_retries", 0)
	viper.SetDefault("queue.retry_delay", 100*time.Millisecond)

	viper.SetDefault("journal.type", "sqlite")
	viper.SetDefault("journal.retention", 24*time.Hour)
	viper.SetDefault("journal.max_entries", 10000)

	viper.SetDefault("log.level", "info")
}
