// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration file of the server.
package config // import "mellium.im/xmppd/config"

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"mellium.im/xmppd/jid"
)

// Offline store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Resource conflict policies.
const (
	ConflictReplace = "replace"
	ConflictReject  = "reject"
)

// Duration is a time.Duration that is written in YAML as a string such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: line %d: duration must be a string", value.Line)
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the configuration of the server.
type Config struct {
	// Domains are the domains served locally.
	// The first domain is used for streams that do not name one.
	Domains []string `yaml:"domains"`

	Listeners Listeners `yaml:"listeners"`
	TLS       TLS       `yaml:"tls"`

	// Components maps external component domains to their shared secrets.
	Components map[string]string `yaml:"components"`

	// Users maps usernames to passwords for the built in account store.
	Users map[string]string `yaml:"users"`

	Offline  Offline  `yaml:"offline"`
	Dialback Dialback `yaml:"dialback"`
	Timeouts Timeouts `yaml:"timeouts"`
	Limits   Limits   `yaml:"limits"`

	// ResourceConflict is "replace" or "reject".
	ResourceConflict string `yaml:"resource_conflict"`

	// LogLevel is any level understood by logrus.
	LogLevel string `yaml:"log_level"`

	// Compression offers zlib stream compression to authenticated clients.
	Compression bool `yaml:"compression"`
}

// Listeners are the TCP addresses connections are accepted on.
// An empty address disables the listener.
type Listeners struct {
	Client    string `yaml:"client"`
	Server    string `yaml:"server"`
	Component string `yaml:"component"`
}

// TLS configures the certificate of the server.
// If Cert and Key are empty TLS is disabled.
type TLS struct {
	Cert  string `yaml:"cert"`
	Key   string `yaml:"key"`
	Roots string `yaml:"roots"`

	// Required refuses authentication on streams that are not encrypted.
	Required bool `yaml:"required"`
}

// Offline configures storage for messages to unavailable users.
type Offline struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`

	// Limit is the maximum number of messages kept per user.
	Limit int `yaml:"limit"`
}

// Dialback configures server dialback.
type Dialback struct {
	Secret string `yaml:"secret"`
}

// Timeouts bound each kind of stalled connection.
type Timeouts struct {
	Handshake Duration `yaml:"handshake"`
	Idle      Duration `yaml:"idle"`
	Write     Duration `yaml:"write"`
	Dial      Duration `yaml:"dial"`
}

// Limits bound the size of stanzas accepted from peers.
type Limits struct {
	MaxStanzaSize int `yaml:"max_stanza_size"`
	MaxDepth      int `yaml:"max_depth"`
}

// Default returns the configuration used for every value missing from the
// configuration file.
func Default() *Config {
	return &Config{
		Listeners: Listeners{
			Client:    ":5222",
			Server:    ":5269",
			Component: ":5275",
		},
		Offline: Offline{
			Driver: DriverMemory,
			Limit:  100,
		},
		Timeouts: Timeouts{
			Handshake: Duration(30 * time.Second),
			Idle:      Duration(10 * time.Minute),
			Write:     Duration(30 * time.Second),
			Dial:      Duration(30 * time.Second),
		},
		Limits: Limits{
			MaxStanzaSize: 1 << 16,
			MaxDepth:      64,
		},
		ResourceConflict: ConflictReplace,
		LogLevel:         "info",
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a configuration file on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Domains) == 0 {
		errs = append(errs, errors.New("config: at least one domain is required"))
	}
	for _, d := range c.Domains {
		if addr, err := jid.Parse(d); err != nil || !addr.IsDomain() {
			errs = append(errs, fmt.Errorf("config: invalid domain %q", d))
		}
	}
	for d := range c.Components {
		if _, err := jid.Parse(d); err != nil {
			errs = append(errs, fmt.Errorf("config: invalid component domain %q", d))
		}
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("config: tls.cert and tls.key must be set together"))
	}

	switch c.Offline.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Offline.Path == "" {
			errs = append(errs, errors.New("config: offline.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown offline driver %q", c.Offline.Driver))
	}

	switch c.ResourceConflict {
	case ConflictReplace, ConflictReject:
	default:
		errs = append(errs, fmt.Errorf("config: resource_conflict must be %q or %q", ConflictReplace, ConflictReject))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	return errors.Join(errs...)
}
