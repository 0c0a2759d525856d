package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	DBURL        string `mapstructure:"DB_URL"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	MQTTBroker   string `mapstructure:"MQTT_BROKER"`
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	HTTPAddr     string `mapstructure:"HTTP_ADDR"`

	TickIntervalSeconds  int `mapstructure:"TICK_INTERVAL_SECONDS"`
	ActionTimeoutSeconds int `mapstructure:"ACTION_TIMEOUT_SECONDS"`
	EventBufferSize      int `mapstructure:"EVENT_BUFFER_SIZE"`
}

// TickInterval returns the scheduler cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// ActionTimeout returns the per-action dispatch deadline.
func (c *Config) ActionTimeout() time.Duration {
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// LoadConfig reads configuration from file, .env, or env vars.
func LoadConfig() (*Config, error) {
	// .env is optional; env vars and config.yaml still apply without it.
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("HTTP_ADDR", ":5069")
	viper.SetDefault("MQTT_CLIENT_ID", "greenhouse-engine")
	viper.SetDefault("TICK_INTERVAL_SECONDS", 30)
	viper.SetDefault("ACTION_TIMEOUT_SECONDS", 10)
	viper.SetDefault("EVENT_BUFFER_SIZE", 64)

	cfg := &Config{
		DBURL:                viper.GetString("DB_URL"),
		RedisAddr:            viper.GetString("REDIS_ADDR"),
		MQTTBroker:           viper.GetString("MQTT_BROKER"),
		MQTTClientID:         viper.GetString("MQTT_CLIENT_ID"),
		LogLevel:             viper.GetString("LOG_LEVEL"),
		LogFormat:            viper.GetString("LOG_FORMAT"),
		JWTSecret:            viper.GetString("JWT_SECRET"),
		HTTPAddr:             viper.GetString("HTTP_ADDR"),
		TickIntervalSeconds:  viper.GetInt("TICK_INTERVAL_SECONDS"),
		ActionTimeoutSeconds: viper.GetInt("ACTION_TIMEOUT_SECONDS"),
		EventBufferSize:      viper.GetInt("EVENT_BUFFER_SIZE"),
	}
	return cfg, nil
}
