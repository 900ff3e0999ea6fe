// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads and validates the bridge configuration file.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the YAML configuration file.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Database   DatabaseConfig   `yaml:"database"`
	Ingress    IngressConfig    `yaml:"ingress"`
	Logging    LoggingConfig    `yaml:"logging"`
	Teams      []TeamConfig     `yaml:"teams"`
}

// HomeserverConfig points the bridge at its Matrix homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig holds the appservice registration half of the bridge.
type AppServiceConfig struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	ASToken string `yaml:"as_token"`
	HSToken string `yaml:"hs_token"`

	BotLocalpart string `yaml:"bot_localpart"`
	// GhostPrefix is the localpart prefix of ghost users. Defaults to "slack_".
	GhostPrefix string `yaml:"ghost_prefix"`
}

// DatabaseConfig selects the store backend: "sqlite3" or "postgres".
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// IngressConfig configures the HTTP listener for pushed Slack events. An
// empty listen address disables the listener (RTM only).
type IngressConfig struct {
	Listen        string `yaml:"listen"`
	SigningSecret string `yaml:"signing_secret"`
}

// LoggingConfig selects the zerolog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TeamConfig is one Slack workspace.
type TeamConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	BotToken string `yaml:"bot_token"`
	// SyncSuppressed disables ghost display name sync for this workspace.
	SyncSuppressed bool `yaml:"sync_suppressed"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies defaults after unmarshalling.
func (c *Config) PostProcess() error {
	if c.AppService.GhostPrefix == "" {
		c.AppService.GhostPrefix = "slack_"
	}
	if c.AppService.BotLocalpart == "" {
		c.AppService.BotLocalpart = "slackbot"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}
	return nil
}

// Validate rejects configurations the bridge cannot start with.
func (c *Config) Validate() error {
	if c.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.AppService.ASToken == "" || c.AppService.HSToken == "" {
		return fmt.Errorf("appservice.as_token and appservice.hs_token are required")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	switch c.Database.Type {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.type must be sqlite3 or postgres, got %q", c.Database.Type)
	}
	seen := make(map[string]struct{}, len(c.Teams))
	for _, team := range c.Teams {
		if team.ID == "" {
			return fmt.Errorf("every team needs an id")
		}
		if _, dup := seen[team.ID]; dup {
			return fmt.Errorf("duplicate team id %q", team.ID)
		}
		seen[team.ID] = struct{}{}
	}
	return nil
}

// Load reads, unmarshals and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
