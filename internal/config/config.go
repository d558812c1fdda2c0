// Package config loads relay settings from defaults, an optional YAML
// file, an optional .env file and the process environment, in that order
// of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/chatrelay/internal/message"
)

// Config holds every tunable of the relay.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	// Port, when set, overrides ListenAddr with ":<port>".
	Port      string `yaml:"port" env:"PORT"`
	PublicDir string `yaml:"public_dir" env:"PUBLIC_DIR"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`

	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	MaxConns         int           `yaml:"max_conns" env:"MAX_CONNS"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	JoinTimeout      time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
	SendBuffer       int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	MaxMessageLength int           `yaml:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
	ReadLimit        int64         `yaml:"read_limit" env:"READ_LIMIT"`

	UpgradeRateLimit  int           `yaml:"upgrade_rate_limit" env:"UPGRADE_RATE_LIMIT"`
	UpgradeRateWindow time.Duration `yaml:"upgrade_rate_window" env:"UPGRADE_RATE_WINDOW"`

	MapURLTemplate string   `yaml:"map_url_template" env:"MAP_URL_TEMPLATE"`
	BannedWords    []string `yaml:"banned_words" env:"BANNED_WORDS" envSeparator:","`
	AllowedWords   []string `yaml:"allowed_words" env:"ALLOWED_WORDS" envSeparator:","`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		PublicDir:         "public",
		SendBuffer:        16,
		JoinTimeout:       time.Minute,
		MaxMessageLength:  2000,
		ReadLimit:         32 << 10,
		UpgradeRateLimit:  30,
		UpgradeRateWindow: time.Minute,
		MapURLTemplate:    message.DefaultMapTemplate,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load builds a Config. path names an optional YAML file; envFiles name
// optional dotenv files, ".env" when none are given. Missing dotenv files
// are ignored, a missing YAML file is an error.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port != "" {
		cfg.ListenAddr = ":" + cfg.Port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MaxConns < 0 {
		errs = append(errs, errors.New("max_conns must not be negative"))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout must not be negative"))
	}
	if c.JoinTimeout < 0 {
		errs = append(errs, errors.New("join_timeout must not be negative"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("max_message_length must be positive"))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	if c.UpgradeRateLimit > 0 && c.UpgradeRateWindow <= 0 {
		errs = append(errs, errors.New("upgrade_rate_window must be positive when rate limiting is on"))
	}
	if _, err := message.NewMapLinker(c.MapURLTemplate); err != nil {
		errs = append(errs, err)
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
