package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "VOIP"

// Config is the relay server configuration.
type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	Backpressure string        `mapstructure:"backpressure"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
}

// ClientConfig configures the headless call client.
type ClientConfig struct {
	URL          string   `mapstructure:"url"`
	STUNURLs     []string `mapstructure:"stun_urls"`
	TURNURLs     []string `mapstructure:"turn_urls"`
	TURNUsername string   `mapstructure:"turn_username"`
	TURNPassword string   `mapstructure:"turn_password"`
	Input        string   `mapstructure:"input"`
	Muted        bool     `mapstructure:"muted"`
	Call         bool     `mapstructure:"call"`
	LogLevel     string   `mapstructure:"log_level"`
}

// FileName returns the config file selected by CONFIG_ENV (dev by default).
func FileName(kind string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	if kind == "" {
		return fmt.Sprintf("config/config.%s.yaml", env)
	}
	return fmt.Sprintf("config/%s.%s.yaml", kind, env)
}

func Load() (*Config, error) {
	return LoadFile(FileName(""))
}

// LoadFile reads the server config from fileName; a missing file means defaults.
func LoadFile(fileName string) (*Config, error) {
	v := newViper(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("log_level", "info")
	v.SetDefault("backpressure", "drop")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_prefix", "voip")
	v.SetDefault("secret", "")

	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("backpressure", cfg.Backpressure).
		Bool("redis", cfg.RedisAddr != "").
		Msg("config ready")
	return &cfg, nil
}

// LoadClient reads the client config. v may already carry bound flags.
func LoadClient(v *viper.Viper, fileName string) (*ClientConfig, error) {
	if v == nil {
		v = viper.New()
	}
	configure(v, fileName)

	v.SetDefault("url", "ws://localhost:8080/ws")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("turn_urls", []string{})
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_password", "")
	v.SetDefault("input", "")
	v.SetDefault("muted", false)
	v.SetDefault("call", false)
	v.SetDefault("log_level", "info")

	readFile(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.URL == "" {
		return nil, errors.New("client url is empty")
	}
	return &cfg, nil
}

// ICEServers converts the STUN/TURN settings for pion.
func (c *ClientConfig) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := clean(c.STUNURLs); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := clean(c.TURNURLs); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}

// Level parses a zerolog level name, falling back to info.
func Level(name string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	configure(v, fileName)
	return v
}

func configure(v *viper.Viper, fileName string) {
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func clean(urls []string) []string {
	var out []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
