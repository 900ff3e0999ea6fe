// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const minimalConfig = `
homeserver:
  address: http://localhost:8008
  domain: example.com
appservice:
  id: slack
  address: http://localhost:29335
  hostname: 0.0.0.0
  port: 29335
  as_token: as-secret
  hs_token: hs-secret
database:
  uri: file:slack.db
teams:
- id: T1ALPHA
  name: alpha
  bot_token: xoxb-alpha
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("domain = %q", cfg.Homeserver.Domain)
	}
	if cfg.AppService.Port != 29335 {
		t.Errorf("port = %d", cfg.AppService.Port)
	}
	if len(cfg.Teams) != 1 || cfg.Teams[0].BotToken != "xoxb-alpha" {
		t.Errorf("teams = %+v", cfg.Teams)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppService.GhostPrefix != "slack_" {
		t.Errorf("ghost prefix = %q, want slack_", cfg.AppService.GhostPrefix)
	}
	if cfg.AppService.BotLocalpart != "slackbot" {
		t.Errorf("bot localpart = %q, want slackbot", cfg.AppService.BotLocalpart)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Database.Type != "sqlite3" {
		t.Errorf("database type = %q, want sqlite3", cfg.Database.Type)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing homeserver address",
			mutate:  func(c *Config) { c.Homeserver.Address = "" },
			wantErr: "homeserver.address",
		},
		{
			name:    "missing tokens",
			mutate:  func(c *Config) { c.AppService.ASToken = "" },
			wantErr: "as_token",
		},
		{
			name:    "missing database uri",
			mutate:  func(c *Config) { c.Database.URI = "" },
			wantErr: "database.uri",
		},
		{
			name:    "bad database type",
			mutate:  func(c *Config) { c.Database.Type = "mysql" },
			wantErr: "database.type",
		},
		{
			name: "duplicate team id",
			mutate: func(c *Config) {
				c.Teams = append(c.Teams, TeamConfig{ID: "T1ALPHA", Name: "copy"})
			},
			wantErr: "duplicate team id",
		},
		{
			name: "team without id",
			mutate: func(c *Config) {
				c.Teams = append(c.Teams, TeamConfig{Name: "anonymous"})
			},
			wantErr: "needs an id",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if err := cfg.PostProcess(); err != nil {
				t.Fatalf("post-process: %v", err)
			}
			test.mutate(&cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("post-process: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
}
