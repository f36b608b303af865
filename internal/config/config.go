package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat server.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseDriver         string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	ChannelBase            string
	JWTSecret              string
	PresenceTTL            time.Duration
	SchedulerInterval      time.Duration
	SchedulerBatchSize     int
	MediaMaxSizeMB         int
	MessageRateLimit       int
	MessageRateWindow      time.Duration
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// MediaEnabled reports whether cloudinary credentials are present.
func (c Config) MediaEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	APIBaseURL   string
	RealtimeURL  string
	Token        string
	UserID       string
	UserName     string
	RoomID       string
	HistoryLimit int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	LogLevel     string
}

func newViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA_CHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load reads server configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	v := newViper()

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("presence.ttl", "2m")
	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("media.max_size_mb", 10)
	v.SetDefault("ratelimit.messages", 30)
	v.SetDefault("ratelimit.window", "10s")
	v.SetDefault("cloudinary.folder", "gema/chat")

	presenceTTL, err := parseDuration(v, "presence.ttl")
	if err != nil {
		return Config{}, err
	}
	schedulerInterval, err := parseDuration(v, "scheduler.interval")
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := parseDuration(v, "ratelimit.window")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseDriver:         strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		ChannelBase:            v.GetString("channel.base"),
		JWTSecret:              v.GetString("jwt.secret"),
		PresenceTTL:            presenceTTL,
		SchedulerInterval:      schedulerInterval,
		SchedulerBatchSize:     v.GetInt("scheduler.batch_size"),
		MediaMaxSizeMB:         v.GetInt("media.max_size_mb"),
		MessageRateLimit:       v.GetInt("ratelimit.messages"),
		MessageRateWindow:      rateWindow,
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.SchedulerBatchSize <= 0 {
		cfg.SchedulerBatchSize = 50
	}

	if cfg.MediaMaxSizeMB <= 0 {
		cfg.MediaMaxSizeMB = 10
	}

	return cfg, nil
}

// LoadClient reads terminal client configuration.
func LoadClient() (ClientConfig, error) {
	v := newViper()

	v.SetDefault("client.api_url", "http://localhost:8080/api/v1")
	v.SetDefault("client.ws_url", "ws://localhost:8080/api/v1/realtime/ws")
	v.SetDefault("client.history_limit", 50)
	v.SetDefault("client.reconnect_min", "500ms")
	v.SetDefault("client.reconnect_max", "30s")
	v.SetDefault("client.log_level", "info")

	reconnectMin, err := parseDuration(v, "client.reconnect_min")
	if err != nil {
		return ClientConfig{}, err
	}
	reconnectMax, err := parseDuration(v, "client.reconnect_max")
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		APIBaseURL:   v.GetString("client.api_url"),
		RealtimeURL:  v.GetString("client.ws_url"),
		Token:        v.GetString("client.token"),
		UserID:       v.GetString("client.user_id"),
		UserName:     v.GetString("client.user_name"),
		RoomID:       v.GetString("client.room_id"),
		HistoryLimit: v.GetInt("client.history_limit"),
		ReconnectMin: reconnectMin,
		ReconnectMax: reconnectMax,
		LogLevel:     v.GetString("client.log_level"),
	}

	if cfg.Token == "" || cfg.UserID == "" {
		return ClientConfig{}, fmt.Errorf("client token and user id must be provided")
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
