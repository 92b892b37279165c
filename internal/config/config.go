package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode          string        `mapstructure:"mode"`
	LogLevel      string        `mapstructure:"log_level"`
	BrokerURL     string        `mapstructure:"broker_url"`
	BrokerKey     string        `mapstructure:"broker_key"`
	DirectoryURL  string        `mapstructure:"directory_url"`
	CachePath     string        `mapstructure:"cache_path"`
	StaleHorizon  time.Duration `mapstructure:"stale_horizon"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
	BrokerTimeout time.Duration `mapstructure:"broker_timeout"`
	LinkTimeout   time.Duration `mapstructure:"link_timeout"`
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`
	DirPort       int           `mapstructure:"dir_port"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("broker_url", "http://localhost:9000")
	v.SetDefault("broker_key", "peerjs")
	v.SetDefault("directory_url", "http://localhost:8080")
	v.SetDefault("cache_path", ".peerchat/rooms.json")
	v.SetDefault("stale_horizon", "10m")
	v.SetDefault("join_timeout", "30s")
	v.SetDefault("broker_timeout", "10s")
	v.SetDefault("link_timeout", "10s")
	v.SetDefault("refresh_period", "30s")
	v.SetDefault("dir_port", 8080)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
