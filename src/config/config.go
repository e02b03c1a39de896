// Package config loads reserveq settings from an optional config file and
// RESERVEQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/not-empty/reserveq-go/src/redisconn"
)

const EnvPrefix = "RESERVEQ"

type Config struct {
	Redis         RedisConfig         `mapstructure:"redis"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Seats         SeatsConfig         `mapstructure:"seats"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Log           LogConfig           `mapstructure:"log"`
}

type RedisConfig struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	DB             int           `mapstructure:"db"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	SSL            bool          `mapstructure:"ssl"`
	SocketTimeout  time.Duration `mapstructure:"socketTimeout"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// StartupAttempts is how often the first ping is tried before giving up.
	StartupAttempts uint `mapstructure:"startupAttempts"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rateLimit"`
	RateBurst       int           `mapstructure:"rateBurst"`
	ReserveTimeout  time.Duration `mapstructure:"reserveTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type QueueConfig struct {
	// Backend is "redis" or "memory".
	Backend      string        `mapstructure:"backend"`
	Prefix       string        `mapstructure:"prefix"`
	PollInterval time.Duration `mapstructure:"pollInterval"`
	JobTimeout   time.Duration `mapstructure:"jobTimeout"`
}

type SeatsConfig struct {
	Capacity   int  `mapstructure:"capacity"`
	Initialize bool `mapstructure:"initialize"`
}

type NotificationsConfig struct {
	Blacklist []string `mapstructure:"blacklist"`
}

type PubSubConfig struct {
	Channel string `mapstructure:"channel"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ssl", false)
	v.SetDefault("redis.socketTimeout", 0)
	v.SetDefault("redis.connectTimeout", 5*time.Second)
	v.SetDefault("redis.startupAttempts", 5)

	v.SetDefault("http.addr", ":1245")
	v.SetDefault("http.rateLimit", 0)
	v.SetDefault("http.rateBurst", 10)
	v.SetDefault("http.reserveTimeout", 5*time.Second)
	v.SetDefault("http.shutdownTimeout", 10*time.Second)

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.prefix", "reserveq")
	v.SetDefault("queue.pollInterval", 50*time.Millisecond)
	v.SetDefault("queue.jobTimeout", 0)

	v.SetDefault("seats.capacity", 50)
	v.SetDefault("seats.initialize", true)

	v.SetDefault("notifications.blacklist", []string{"4153518780", "4153518781"})

	v.SetDefault("pubsub.channel", "ALXchannel")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path when given, otherwise an optional config.yaml in the
// working directory, then applies RESERVEQ_* overrides such as
// RESERVEQ_REDIS_HOST or RESERVEQ_QUEUE_JOBTIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.backend must be redis or memory, got %q", c.Queue.Backend)
	}
	if c.Seats.Capacity <= 0 {
		return fmt.Errorf("seats.capacity must be positive, got %d", c.Seats.Capacity)
	}
	if c.Redis.URL == "" && c.Redis.Host == "" {
		return errors.New("redis.url or redis.host is required")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rateLimit must not be negative, got %v", c.HTTP.RateLimit)
	}
	return nil
}

// RedisOpts maps the redis section onto the dialer options.
func (c *Config) RedisOpts() redisconn.Opts {
	o := redisconn.Opts{
		URL:      c.Redis.URL,
		Host:     c.Redis.Host,
		Port:     c.Redis.Port,
		DB:       c.Redis.DB,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		SSL:      c.Redis.SSL,
	}
	if c.Redis.SocketTimeout > 0 {
		d := c.Redis.SocketTimeout
		o.SocketTimeout = &d
	}
	if c.Redis.ConnectTimeout > 0 {
		d := c.Redis.ConnectTimeout
		o.SocketConnectTimeout = &d
	}
	return o
}

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(c LogConfig) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)

	switch c.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Format)
	}
	return nil
}
