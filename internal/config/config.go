package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "HEARTLINE"

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StaticDir    string        `mapstructure:"static_dir"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig enables the cross-instance change-feed relay when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type SessionConfig struct {
	Secret string `mapstructure:"secret"`
}

type RealtimeConfig struct {
	TypingTimeout time.Duration `mapstructure:"typing_timeout"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	Buffer        int           `mapstructure:"buffer"`
	FullRefetch   bool          `mapstructure:"full_refetch"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Log      LogConfig      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.static_dir", "static")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "heartline.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "heartline:changes")
	v.SetDefault("session.secret", "super-secret-key-change-me-in-production")
	v.SetDefault("realtime.typing_timeout", 3*time.Second)
	v.SetDefault("realtime.fetch_timeout", 10*time.Second)
	v.SetDefault("realtime.buffer", 64)
	v.SetDefault("realtime.full_refetch", false)
	v.SetDefault("log.development", false)
}

// Load reads configuration from path, if given, then applies environment
// overrides such as HEARTLINE_DATABASE_DSN.
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
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Session.Secret == "" {
		return errors.New("session.secret is required")
	}
	if c.Realtime.TypingTimeout <= 0 {
		return errors.New("realtime.typing_timeout must be positive")
	}
	if c.Realtime.Buffer <= 0 {
		return errors.New("realtime.buffer must be positive")
	}
	return nil
}
