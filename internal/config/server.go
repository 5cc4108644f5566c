package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
)

// ServerConfig configures funksiyachi-server.
type ServerConfig struct {
	ListenAddr string `env:"FUNKSIYACHI_LISTEN_ADDR" envDefault:"0.0.0.0:4433"`
	DBPath     string `env:"FUNKSIYACHI_DB_PATH" envDefault:"funksiyachi.db"`

	// Both empty means the embedded development certificate.
	TLSCert string `env:"FUNKSIYACHI_TLS_CERT"`
	TLSKey  string `env:"FUNKSIYACHI_TLS_KEY"`

	GitHubUserURL   string        `env:"FUNKSIYACHI_GITHUB_USER_URL" envDefault:"https://api.github.com/user"`
	GitHubUserAgent string        `env:"FUNKSIYACHI_GITHUB_USER_AGENT" envDefault:"funksiyachi-server"`
	GitHubTimeout   time.Duration `env:"FUNKSIYACHI_GITHUB_TIMEOUT" envDefault:"3s"`

	LogLevel string `env:"FUNKSIYACHI_LOG_LEVEL" envDefault:"info"`
}

// LoadServer reads the environment, then lets flags in args override it.
func LoadServer(args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := ParseEnv(&cfg); err != nil {
		return ServerConfig{}, err
	}

	flagSet := pflag.NewFlagSet("funksiyachi-server", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	if flagSet.NArg() > 0 {
		return ServerConfig{}, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	return cfg, cfg.Validate()
}

// AddFlags registers one flag per field, defaulting to the current
// values.
func (c *ServerConfig) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "UDP address to serve QUIC on")
	flagSet.StringVar(&c.DBPath, "db", c.DBPath, "path to the bbolt database")
	flagSet.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "PEM certificate chain (default: embedded development certificate)")
	flagSet.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "PEM private key matching --tls-cert")
	flagSet.StringVar(&c.GitHubUserURL, "github-user-url", c.GitHubUserURL, "GitHub endpoint resolving a token to its owner")
	flagSet.StringVar(&c.GitHubUserAgent, "github-user-agent", c.GitHubUserAgent, "User-Agent sent to GitHub")
	flagSet.DurationVar(&c.GitHubTimeout, "github-timeout", c.GitHubTimeout, "timeout of a single GitHub verification")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

func (c ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("TLS certificate and key must be set together")
	}
	if c.GitHubTimeout <= 0 {
		return errors.New("GitHub timeout must be positive")
	}
	_, err := ParseLevel(c.LogLevel)
	return err
}

// Level is the parsed LogLevel, info when it cannot be parsed.
func (c ServerConfig) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
