package config

import (
	"time"

	"github.com/homeglance/liveview/internal/capture"
	"github.com/homeglance/liveview/internal/device"
	"github.com/homeglance/liveview/internal/dispatcher"
	"github.com/homeglance/liveview/internal/presence"
	"github.com/homeglance/liveview/internal/viewer"
	pkgconfig "github.com/homeglance/liveview/pkg/config"
	"github.com/homeglance/liveview/pkg/pubsub"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	PubSub   pubsub.Config `mapstructure:"pubsub"`
	Device   DeviceConfig
	Viewer   ViewerConfig
	Presence presence.Config
	Log      LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	FilePath        string `mapstructure:"file_path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type DeviceConfig struct {
	// ID identifies this home device in session and command rows.
	ID          string            `mapstructure:"id"`
	Coordinator device.Config     `mapstructure:"coordinator"`
	Dispatcher  dispatcher.Config `mapstructure:"dispatcher"`
	Media       capture.Config    `mapstructure:"media"`
	// HeartbeatInterval is the presence heartbeat cadence.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type ViewerConfig struct {
	// ID identifies this viewer in session rows.
	ID         string         `mapstructure:"id"`
	Controller viewer.Config  `mapstructure:"controller"`
	Media      capture.Config `mapstructure:"media"`
}

type LogConfig struct {
	Level string
}

// Load reads the config file and environment for the given binary.
func Load(configName string) (*Config, error) {
	v, err := pkgconfig.Load("./config", configName)
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "liveview")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.file_path", "./data/liveview.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("pubsub.backend", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", 3*time.Second)
	v.SetDefault("pubsub.redis.write_timeout", 3*time.Second)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "liveview")
	v.SetDefault("device.coordinator.start_timeout", 30*time.Second)
	v.SetDefault("device.coordinator.cleanup_wait", 3*time.Second)
	v.SetDefault("device.dispatcher.feed_retries", 3)
	v.SetDefault("device.dispatcher.feed_backoff", 2*time.Second)
	v.SetDefault("device.dispatcher.poll_interval", 5*time.Second)
	v.SetDefault("device.heartbeat_interval", 10*time.Second)
	v.SetDefault("device.media.command", "liveview-media")
	v.SetDefault("viewer.media.command", "liveview-media")
	v.SetDefault("viewer.controller.retry_cap", 3)
	v.SetDefault("viewer.controller.retry_delay", 2*time.Second)
	v.SetDefault("viewer.controller.connect_timeout", 30*time.Second)
	v.SetDefault("presence.freshness", 30*time.Second)
	v.SetDefault("presence.ttl", 90*time.Second)
	v.SetDefault("log.level", "info")

	// Bind environment variables
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.file_path", "DB_FILE_PATH")
	v.BindEnv("pubsub.backend", "PUBSUB_BACKEND")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("device.id", "DEVICE_ID")
	v.BindEnv("device.media.command", "DEVICE_MEDIA_COMMAND")
	v.BindEnv("viewer.id", "VIEWER_ID")
	v.BindEnv("viewer.media.command", "VIEWER_MEDIA_COMMAND")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
