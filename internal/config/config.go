/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config holds the tunables of the tmpmemstore command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/tmpmemstore/internal/logger"
)

// EnvConfig names a YAML config file when --config is not given.
const EnvConfig = "TMPMEMSTORE_CONFIG"

// ServePolicy decides how many authenticated peers receive the secret.
type ServePolicy string

const (
	// ServeAlways serves every authenticated connection for the whole session.
	ServeAlways ServePolicy = "always"
	// ServeOnce serves only the first authenticated connection.
	ServeOnce ServePolicy = "once"
)

const (
	defaultSocketMode    = os.FileMode(0o600)
	defaultMaxInFlight   = 64
	defaultAuditCapacity = 1024
	defaultMaxRetries    = 10
	defaultRetryInterval = 50 * time.Millisecond
)

// FileMode is an os.FileMode written as an octal string in YAML ("0600").
type FileMode os.FileMode

// UnmarshalYAML accepts "0600", "600" or "0o600".
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	s := value.Value
	if len(s) > 2 && (s[:2] == "0o" || s[:2] == "0O") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return fmt.Errorf("socket_mode %q: not an octal mode", value.Value)
	}
	*m = FileMode(n)
	return nil
}

// MarshalYAML writes the mode back as octal.
func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

// RetrieveConfig tunes the retrieve client.
type RetrieveConfig struct {
	MaxRetries    uint64        `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Config is the full tmpmemstore configuration.
type Config struct {
	// SocketMode is applied to the socket file after bind.
	SocketMode FileMode `yaml:"socket_mode"`
	// MaxInFlight bounds concurrently running connection handlers; 0 is unbounded.
	MaxInFlight int `yaml:"max_in_flight"`
	// ServePolicy is "always" or "once".
	ServePolicy ServePolicy `yaml:"serve_policy"`
	// AuditCapacity bounds undelivered audit events.
	AuditCapacity int `yaml:"audit_capacity"`
	// DebugAddr, when set, serves /live, /ready and /metrics over HTTP.
	DebugAddr string `yaml:"debug_addr"`
	// LogLevel uses the logger's numeric levels; nil keeps the environment's.
	LogLevel *int `yaml:"log_level"`

	Retrieve RetrieveConfig `yaml:"retrieve"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		SocketMode:    FileMode(defaultSocketMode),
		MaxInFlight:   defaultMaxInFlight,
		ServePolicy:   ServeAlways,
		AuditCapacity: defaultAuditCapacity,
		Retrieve: RetrieveConfig{
			MaxRetries:    defaultMaxRetries,
			RetryInterval: defaultRetryInterval,
		},
	}
}

// VerifyConfig rejects configurations the server cannot run with.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if os.FileMode(c.SocketMode)&^os.ModePerm != 0 {
		return fmt.Errorf("socket_mode %04o: only permission bits are allowed", uint32(c.SocketMode))
	}
	if os.FileMode(c.SocketMode)&0o600 != 0o600 {
		return fmt.Errorf("socket_mode %04o: owner needs read and write access", uint32(c.SocketMode))
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight %d: must not be negative", c.MaxInFlight)
	}
	switch c.ServePolicy {
	case ServeAlways, ServeOnce:
	default:
		return fmt.Errorf("serve_policy %q: want %q or %q", c.ServePolicy, ServeAlways, ServeOnce)
	}
	if c.AuditCapacity < 0 {
		return fmt.Errorf("audit_capacity %d: must not be negative", c.AuditCapacity)
	}
	if c.LogLevel != nil && (*c.LogLevel < logger.LevelTrace || *c.LogLevel > logger.LevelNoPrint) {
		return fmt.Errorf("log_level %d: want %d..%d", *c.LogLevel, logger.LevelTrace, logger.LevelNoPrint)
	}
	if c.Retrieve.RetryInterval < 0 {
		return fmt.Errorf("retrieve.retry_interval %s: must not be negative", c.Retrieve.RetryInterval)
	}
	return nil
}

// Load reads path over the defaults. An empty path falls back to
// $TMPMEMSTORE_CONFIG, and to the defaults alone when that is unset too.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
