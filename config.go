// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/creachadair/kscape/transport"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port of the device control protocol.
const DefaultPort = 10000

// Config carries the settings needed to connect to a device.
type Config struct {
	Host        string        `yaml:"host"`                   // required
	Port        int           `yaml:"port,omitempty"`         // default DefaultPort
	DeviceID    string        `yaml:"device_id"`              // required; the player serial number
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"` // default transport.DefaultDialTimeout
}

// LoadConfig reads a YAML configuration from the file at path. The resulting
// config is not validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}

// ParseConfig decodes a YAML configuration from r. Unknown keys are an error.
func ParseConfig(r io.Reader) (Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports an error of concrete type *ConfigError if cfg is missing
// a required setting or has an invalid value.
func (cfg Config) Validate() error {
	if cfg.Host == "" {
		return &ConfigError{Field: "host", Problem: "no host specified"}
	}
	if cfg.DeviceID == "" {
		return &ConfigError{Field: "device_id", Problem: "no device id specified"}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return &ConfigError{Field: "port", Problem: fmt.Sprintf("port %d out of range", cfg.Port)}
	}
	if cfg.DialTimeout < 0 {
		return &ConfigError{Field: "dial_timeout", Problem: "negative timeout"}
	}
	return nil
}

// Address returns the host:port address of the device.
func (cfg Config) Address() string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Dial validates cfg, then constructs and connects a client to the device
// over TCP. The caller must close the client when it is no longer needed.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := NewClient(&transport.TCP{
		Addr:        cfg.Address(),
		DialTimeout: cfg.DialTimeout,
	}, cfg.DeviceID)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
