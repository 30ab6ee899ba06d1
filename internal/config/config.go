// Package config loads client and dev server settings from defaults, an
// optional donut.yaml, a .env file, DONUT_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DONUT_AUTH_TOKEN.
const EnvPrefix = "DONUT"

type Config struct {
	Server    ServerConfig
	Cable     CableConfig
	Auth      AuthConfig
	Store     StoreConfig
	Log       LogConfig
	Metrics   MetricsConfig
	DevServer DevServerConfig
}

type ServerConfig struct {
	BaseURL string
}

type CableConfig struct {
	URL              string
	ChannelClass     string
	Transport        string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	StaleAfter       time.Duration
}

type AuthConfig struct {
	Token  string
	UserID int64
}

type StoreConfig struct {
	Driver string // "memory" or "sqlite"
	Path   string
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string
}

type DevServerConfig struct {
	Addr   string
	Tokens map[string]int64 // bearer token -> user id
	Store  string           // sqlite path, empty for in-memory
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:3000")
	v.SetDefault("cable.url", "")
	v.SetDefault("cable.channel_class", "ChatRoomsChannel")
	v.SetDefault("cable.transport", "gorilla")
	v.SetDefault("cable.reconnect.initial", time.Second)
	v.SetDefault("cable.reconnect.max", 30*time.Second)
	v.SetDefault("cable.stale_after", 10*time.Second)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.user_id", 0)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "donut.sqlite3")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("devserver.addr", ":3000")
	v.SetDefault("devserver.tokens", []string{"dev-token=1"})
	v.SetDefault("devserver.store", "")
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"server":       "server.base_url",
	"cable-url":    "cable.url",
	"transport":    "cable.transport",
	"token":        "auth.token",
	"store":        "store.driver",
	"store-path":   "store.path",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
	"addr":         "devserver.addr",
}

// RegisterFlags adds the flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (default ./donut.yaml if present)")
	fs.String("server", "", "base URL of the chat service")
	fs.String("cable-url", "", "cable endpoint (default derived from --server)")
	fs.String("transport", "", "cable websocket implementation: gorilla or gobwas")
	fs.String("token", "", "bearer token")
	fs.String("store", "", "local store: memory or sqlite")
	fs.String("store-path", "", "sqlite database path")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log format: text or json")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("addr", "", "dev server listen address")
}

// Load builds the configuration. fs may be nil; otherwise it should have
// been set up with RegisterFlags and parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		for name, key := range flagKeys {
			// Only flags set on the command line override lower layers.
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("donut")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{BaseURL: strings.TrimRight(v.GetString("server.base_url"), "/")},
		Cable: CableConfig{
			URL:              v.GetString("cable.url"),
			ChannelClass:     v.GetString("cable.channel_class"),
			Transport:        v.GetString("cable.transport"),
			ReconnectInitial: v.GetDuration("cable.reconnect.initial"),
			ReconnectMax:     v.GetDuration("cable.reconnect.max"),
			StaleAfter:       v.GetDuration("cable.stale_after"),
		},
		Auth: AuthConfig{
			Token:  v.GetString("auth.token"),
			UserID: v.GetInt64("auth.user_id"),
		},
		Store: StoreConfig{
			Driver: v.GetString("store.driver"),
			Path:   v.GetString("store.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{Addr: v.GetString("metrics.addr")},
		DevServer: DevServerConfig{
			Addr:  v.GetString("devserver.addr"),
			Store: v.GetString("devserver.store"),
		},
	}

	if cfg.Cable.URL == "" {
		u, err := CableURL(cfg.Server.BaseURL)
		if err != nil {
			return nil, err
		}
		cfg.Cable.URL = u
	}

	tokens, err := parseTokens(v.GetStringSlice("devserver.tokens"))
	if err != nil {
		return nil, err
	}
	cfg.DevServer.Tokens = tokens

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid store.driver %q: want memory or sqlite", c.Store.Driver)
	}
	if c.Cable.ReconnectInitial <= 0 || c.Cable.ReconnectMax < c.Cable.ReconnectInitial {
		return fmt.Errorf("invalid cable.reconnect: initial %s, max %s", c.Cable.ReconnectInitial, c.Cable.ReconnectMax)
	}
	if c.Cable.StaleAfter < 0 {
		return fmt.Errorf("invalid cable.stale_after %s", c.Cable.StaleAfter)
	}
	return nil
}

// CableURL derives the cable endpoint from the REST base URL:
// http(s)://host/prefix becomes ws(s)://host/prefix/cable.
func CableURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server.base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server.base_url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/cable"
	return u.String(), nil
}

// parseTokens reads "token=userid" entries; entries may also be
// comma-separated within one value, as env variables deliver them.
func parseTokens(entries []string) (map[string]int64, error) {
	tokens := make(map[string]int64)
	for _, entry := range entries {
		for _, pair := range strings.Split(entry, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			token, id, ok := strings.Cut(pair, "=")
			if !ok || token == "" {
				return nil, fmt.Errorf("invalid devserver.tokens entry %q: want token=user_id", pair)
			}
			userID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user id in devserver.tokens entry %q: %w", pair, err)
			}
			tokens[token] = userID
		}
	}
	return tokens, nil
}
