// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "tapestry.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// PeerConfig is a statically-configured federation peer: its server
// name, an optional base URL override, and an optional pinned signing
// key (base64url-encoded ed25519 public key)
type PeerConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url,omitempty"`
	KeyID     string `yaml:"keyId,omitempty"`
	PublicKey string `yaml:"publicKey,omitempty"`
}

type Config struct {
	ServerName      string       `yaml:"serverName"      envconfig:"SERVER_NAME"`
	DataDir         string       `yaml:"dataDir"                                 split_words:"true"`
	KeyFile         string       `yaml:"keyFile"                                 split_words:"true"`
	BindAddr        string       `yaml:"bindAddr"                                split_words:"true"`
	PushMode        string       `yaml:"pushMode"                                split_words:"true"`
	ShutdownTimeout string       `yaml:"shutdownTimeout"                         split_words:"true"`
	Peers           []PeerConfig `yaml:"peers"           envconfig:"-"`
	FederationPort  uint         `yaml:"federationPort"                          split_words:"true"`
	MetricsPort     uint         `yaml:"metricsPort"                             split_words:"true"`
	PushWorkers     int          `yaml:"pushWorkers"                             split_words:"true"`
	BackfillLimit   int          `yaml:"backfillLimit"                           split_words:"true"`
	BackfillRounds  int          `yaml:"backfillRounds"                          split_words:"true"`
	Tracing         bool         `yaml:"tracing"`
	TracingStdout   bool         `yaml:"tracingStdout"                           split_words:"true"`
}

var globalConfig = &Config{
	DataDir:         ".tapestry",
	BindAddr:        "0.0.0.0",
	PushMode:        "async",
	ShutdownTimeout: DefaultShutdownTimeout,
	FederationPort:  8448,
	MetricsPort:     12798,
	BackfillLimit:   50,
	BackfillRounds:  5,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.tapestry/tapestry.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".tapestry", "tapestry.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/tapestry/tapestry.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/tapestry/tapestry.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// Process environment variables
	err := envconfig.Process("tapestry", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	// The key file defaults to living alongside the data
	if globalConfig.KeyFile == "" && globalConfig.DataDir != "" {
		globalConfig.KeyFile = filepath.Join(
			globalConfig.DataDir,
			"signing.key",
		)
	}

	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
