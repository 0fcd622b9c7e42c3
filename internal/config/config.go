// Package config loads the driver configuration from a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Device selects and tunes the link to the NCP.
type Device struct {
	// Path is a serial device, socket://host:port or ws(s)://host/path
	Path     string
	BaudRate int
	SendAcks bool
	// TxRate paces outbound bytes per second. 0 means unlimited.
	TxRate int64
}

type Requests struct {
	Timeout     time.Duration
	MaxRetries  int
	Concurrency int
}

type Config struct {
	Device   Device
	Requests Requests
	// AdminListen is the admin HTTP address. Empty disables it.
	AdminListen string
	// CapturePath is the capture database. Empty disables capture.
	CapturePath string
	LogLevel    log.Level
}

const (
	DefaultBaudRate    = 115200
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 2
	DefaultConcurrency = 4
	// MaxConcurrency keeps one TSN free whatever the load.
	MaxConcurrency = 254
)

func Default() Config {
	return Config{
		Device: Device{
			BaudRate: DefaultBaudRate,
			SendAcks: true,
		},
		Requests: Requests{
			Timeout:     DefaultTimeout,
			MaxRetries:  DefaultMaxRetries,
			Concurrency: DefaultConcurrency,
		},
		LogLevel: log.InfoLevel,
	}
}

type fileConfig struct {
	Device struct {
		Path     string `toml:"path"`
		BaudRate int    `toml:"baudrate"`
		SendAcks bool   `toml:"send_acks"`
		TxRate   int64  `toml:"tx_rate"`
	} `toml:"device"`
	Requests struct {
		Timeout     string `toml:"timeout"`
		MaxRetries  int    `toml:"max_retries"`
		Concurrency int    `toml:"concurrency"`
	} `toml:"requests"`
	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`
	Capture struct {
		Path string `toml:"path"`
	} `toml:"capture"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %v: %w", path, err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	cfg := Default()
	if meta.IsDefined("device", "path") {
		cfg.Device.Path = strings.TrimSpace(raw.Device.Path)
	}
	if meta.IsDefined("device", "baudrate") {
		cfg.Device.BaudRate = raw.Device.BaudRate
	}
	if meta.IsDefined("device", "send_acks") {
		cfg.Device.SendAcks = raw.Device.SendAcks
	}
	if meta.IsDefined("device", "tx_rate") {
		cfg.Device.TxRate = raw.Device.TxRate
	}
	if meta.IsDefined("requests", "timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Requests.Timeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse requests.timeout: %w", err)
		}
		cfg.Requests.Timeout = d
	}
	if meta.IsDefined("requests", "max_retries") {
		cfg.Requests.MaxRetries = raw.Requests.MaxRetries
	}
	if meta.IsDefined("requests", "concurrency") {
		cfg.Requests.Concurrency = raw.Requests.Concurrency
	}
	if meta.IsDefined("admin", "listen") {
		cfg.AdminListen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("capture", "path") {
		cfg.CapturePath = strings.TrimSpace(raw.Capture.Path)
	}
	if meta.IsDefined("log", "level") {
		lvl, err := log.ParseLevel(strings.TrimSpace(raw.Log.Level))
		if err != nil {
			return Config{}, fmt.Errorf("parse log.level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.Device.BaudRate <= 0 {
		return fmt.Errorf("device.baudrate must be positive, got %v", cfg.Device.BaudRate)
	}
	if cfg.Device.TxRate < 0 {
		return fmt.Errorf("device.tx_rate must not be negative, got %v", cfg.Device.TxRate)
	}
	if cfg.Requests.Timeout <= 0 {
		return fmt.Errorf("requests.timeout must be positive, got %v", cfg.Requests.Timeout)
	}
	if cfg.Requests.MaxRetries < 0 {
		return fmt.Errorf("requests.max_retries must not be negative, got %v", cfg.Requests.MaxRetries)
	}
	if cfg.Requests.Concurrency < 1 || cfg.Requests.Concurrency > MaxConcurrency {
		return fmt.Errorf("requests.concurrency must be within [1, %v], got %v", MaxConcurrency, cfg.Requests.Concurrency)
	}
	return nil
}
