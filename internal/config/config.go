// Package config loads the service configuration from an optional INI file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/Ravi-Teja4/wisecow"
)

const (
	// EnvConfigFile names the INI file to load.
	EnvConfigFile = "WISECOW_CONFIG"
	// EnvPort overrides the port part of server.addr.
	EnvPort = "WISECOW_PORT"
	// EnvLogLevel overrides log.level.
	EnvLogLevel = "WISECOW_LOG_LEVEL"

	// DefaultFile is loaded when EnvConfigFile is unset and the file exists.
	DefaultFile = "wisecow.ini"
)

const (
	ProviderExec    = "exec"
	ProviderBuiltin = "builtin"
	ProviderStatic  = "static"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Server holds the listener settings.
type Server struct {
	Network         string        `ini:"network"`
	Addr            string        `ini:"addr"`
	ReadTimeout     time.Duration `ini:"read_timeout"`
	WriteTimeout    time.Duration `ini:"write_timeout"`
	MaxLineBytes    int           `ini:"max_line_bytes"`
	ShutdownTimeout time.Duration `ini:"shutdown_timeout"`
}

// Content selects and tunes the quote provider.
type Content struct {
	Provider string        `ini:"provider"`
	Fortune  string        `ini:"fortune"`
	Cowsay   string        `ini:"cowsay"`
	Timeout  time.Duration `ini:"timeout"`
	Width    int           `ini:"width"`
	Text     string        `ini:"text"`
}

// Log configures the process logger.
type Log struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

// Config is the whole service configuration.
type Config struct {
	Server  Server  `ini:"server"`
	Content Content `ini:"content"`
	Log     Log     `ini:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Network:         "tcp",
			Addr:            withPort("", wisecow.DefaultPort),
			ReadTimeout:     wisecow.DefaultReadTimeout,
			WriteTimeout:    wisecow.DefaultWriteTimeout,
			MaxLineBytes:    wisecow.DefaultMaxLineBytes,
			ShutdownTimeout: 10 * time.Second,
		},
		Content: Content{
			Provider: ProviderExec,
			Fortune:  "fortune",
			Cowsay:   "cowsay",
			Timeout:  5 * time.Second,
			Width:    40,
		},
		Log: Log{
			Level:  "info",
			Format: LogFormatConsole,
		},
	}
}

// Load builds the configuration: defaults, then the INI file named by
// WISECOW_CONFIG (or wisecow.ini when present), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	fileName, required := os.Getenv(EnvConfigFile), true
	if fileName == "" {
		fileName, required = DefaultFile, false
	}
	if err := LoadIni(cfg, fileName); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file '%s': %w", fileName, err)
		}
	}
	if err := overrideFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIni maps the INI file onto cfg, keeping cfg values for missing keys.
func LoadIni(cfg *Config, fileName string) error {
	if _, err := os.Stat(fileName); err != nil {
		return err
	}
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return iniFile.MapTo(cfg)
}

func overrideFromEnv(cfg *Config) error {
	if port := os.Getenv(EnvPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("invalid %s value %q", EnvPort, port)
		}
		cfg.Server.Addr = withPort(cfg.Server.Addr, p)
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
	return nil
}

// Validate reports the first setting the service cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("server.network: unsupported network %q", c.Server.Network)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr: must not be empty")
	}
	if c.Server.MaxLineBytes <= 0 {
		return errors.New("server.max_line_bytes: must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout: must be positive")
	}
	switch c.Content.Provider {
	case ProviderExec:
		if c.Content.Fortune == "" || c.Content.Cowsay == "" {
			return errors.New("content: fortune and cowsay commands are required for the exec provider")
		}
	case ProviderBuiltin:
		if c.Content.Width <= 0 {
			return errors.New("content.width: must be positive")
		}
	case ProviderStatic:
	default:
		return fmt.Errorf("content.provider: unknown provider %q", c.Content.Provider)
	}
	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
