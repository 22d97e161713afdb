package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	ControllerPath   string        `yaml:"controller" default:"/org/bluez/hci0"`
	ApplicationPath  string        `yaml:"application_path" default:"/io/blepd/peripheral"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" default:"250ms"`
	SendTimeout      time.Duration `yaml:"send_timeout" default:"25ms"`
	ReplyTimeout     time.Duration `yaml:"reply_timeout" default:"25ms"`
	QueueCapacity    int           `yaml:"queue_capacity" default:"64"`

	LocalName         string `yaml:"local_name" default:"blepd"`
	AdvertisementType string `yaml:"advertisement_type" default:"peripheral"`
	ServiceUUID       string `yaml:"service_uuid" default:"23500001-da00-49ad-9923-296889f1d83d"`
	RxUUID            string `yaml:"rx_uuid" default:"23500002-da00-49ad-9923-296889f1d83d"`
	CaptureCapacity   int    `yaml:"capture_capacity" default:"4096"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// field is a named string setting, checked in declaration order.
type field struct {
	name, value string
}

// Validate checks paths, UUIDs and bounds.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, f := range []field{{"controller", c.ControllerPath}, {"application_path", c.ApplicationPath}} {
		if !dbus.ObjectPath(f.value).IsValid() {
			errs = append(errs, fmt.Errorf("%s: invalid object path %q", f.name, f.value))
		}
	}
	for _, f := range []field{{"service_uuid", c.ServiceUUID}, {"rx_uuid", c.RxUUID}} {
		if _, err := ble.Parse(f.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	switch c.AdvertisementType {
	case "peripheral", "broadcast":
	default:
		errs = append(errs, fmt.Errorf("advertisement_type: unknown type %q", c.AdvertisementType))
	}
	if c.HandshakeTimeout <= 0 || c.SendTimeout <= 0 || c.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity: must be positive, got %d", c.QueueCapacity))
	}
	if c.CaptureCapacity < 0 {
		errs = append(errs, fmt.Errorf("capture_capacity: must not be negative, got %d", c.CaptureCapacity))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
