package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
)

// ClientConfig configures the funksiyachi command.
type ClientConfig struct {
	Server           string        `env:"FUNKSIYACHI_SERVER" envDefault:"localhost:4433"`
	GitHubToken      string        `env:"FUNKSIYACHI_GITHUB_TOKEN"`
	HandshakeTimeout time.Duration `env:"FUNKSIYACHI_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"FUNKSIYACHI_LOG_LEVEL" envDefault:"warn"`
}

// LoadClient reads the environment, then lets flags in args override
// it. Positional arguments are returned untouched.
func LoadClient(args []string) (ClientConfig, []string, error) {
	var cfg ClientConfig
	if err := ParseEnv(&cfg); err != nil {
		return ClientConfig{}, nil, err
	}

	flagSet := pflag.NewFlagSet("funksiyachi", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return ClientConfig{}, nil, err
	}

	return cfg, flagSet.Args(), cfg.Validate()
}

func (c *ClientConfig) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&c.Server, "server", "s", c.Server, "function service address, hostname:port or ip:port")
	flagSet.StringVar(&c.GitHubToken, "token", c.GitHubToken, "GitHub token, optionally prefixed with 'username:'")
	flagSet.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "QUIC handshake timeout")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

func (c ClientConfig) Validate() error {
	if c.Server == "" {
		return errors.New("server address is required")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake timeout must not be negative, got %s", c.HandshakeTimeout)
	}
	_, err := ParseLevel(c.LogLevel)
	return err
}

func (c ClientConfig) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelWarn
	}
	return level
}
