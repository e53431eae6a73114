// Copyright 2026 Quantweave
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the platform configuration: recognized
// environment variables layered over an optional quantweave.yaml.
// Environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quantweave/quantweave/pkg/types"
)

// Config is the resolved platform configuration.
type Config struct {
	// Router.
	MultiKeyRouterEnabled bool
	LLMMaxRetries         int
	LLMBaseBackoff        time.Duration
	KeysManifest          string
	SecretStoreType       string

	// RateStoreURL is the Redis endpoint for shared capacity counters.
	// Empty keeps counting local to the process.
	RateStoreURL string

	// Bus. Empty BusURL selects the in-process transport.
	BusURL string

	// Workspace layout.
	WorkspaceRoot string

	// Sandbox caps.
	SandboxCPULimit float64
	SandboxMemLimit int64
	SandboxTimeout  time.Duration
	SandboxImage    string

	// RolePools bounds same-role concurrency, from quantweave.yaml.
	RolePools map[types.AgentRole]int
}

// fileConfig is the quantweave.yaml shape.
type fileConfig struct {
	Sandbox struct {
		Image    string  `yaml:"image"`
		CPULimit float64 `yaml:"cpu_limit"`
		MemLimit int64   `yaml:"mem_limit"`
		TimeoutS int     `yaml:"timeout_s"`
	} `yaml:"sandbox"`
	RolePools map[string]int `yaml:"role_pools"`
	Router    struct {
		KeysManifest string `yaml:"keys_manifest"`
		RateStoreURL string `yaml:"rate_store_url"`
	} `yaml:"router"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MultiKeyRouterEnabled: false,
		LLMMaxRetries:         3,
		LLMBaseBackoff:        500 * time.Millisecond,
		KeysManifest:          "keys.json",
		SecretStoreType:       "env",
		WorkspaceRoot:         ".quantweave",
		SandboxCPULimit:       0.5,
		SandboxMemLimit:       1 << 30,
		SandboxTimeout:        300 * time.Second,
		SandboxImage:          "python:3.12-slim",
		RolePools:             map[types.AgentRole]int{},
	}
}

// Load resolves configuration from quantweave.yaml (if present in dir,
// or the working directory when dir is empty) and the environment.
func Load(dir string) (Config, error) {
	cfg := Default()

	if err := cfg.applyFile(dir); err != nil {
		return cfg, err
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyFile(dir string) error {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, "quantweave.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if fc.Sandbox.Image != "" {
		c.SandboxImage = fc.Sandbox.Image
	}
	if fc.Sandbox.CPULimit > 0 {
		c.SandboxCPULimit = fc.Sandbox.CPULimit
	}
	if fc.Sandbox.MemLimit > 0 {
		c.SandboxMemLimit = fc.Sandbox.MemLimit
	}
	if fc.Sandbox.TimeoutS > 0 {
		c.SandboxTimeout = time.Duration(fc.Sandbox.TimeoutS) * time.Second
	}
	if fc.Router.KeysManifest != "" {
		c.KeysManifest = fc.Router.KeysManifest
	}
	if fc.Router.RateStoreURL != "" {
		c.RateStoreURL = fc.Router.RateStoreURL
	}
	for role, n := range fc.RolePools {
		r := types.AgentRole(strings.ToLower(role))
		if !types.ValidRole(r) {
			return fmt.Errorf("%s: unknown role %q in role_pools", path, role)
		}
		if n <= 0 {
			return fmt.Errorf("%s: role_pools.%s must be positive", path, role)
		}
		c.RolePools[r] = n
	}
	return nil
}

func (c *Config) applyEnv() error {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LLM_MULTI_KEY_ROUTER_ENABLED", c.MultiKeyRouterEnabled)
	v.SetDefault("LLM_MAX_RETRIES", c.LLMMaxRetries)
	v.SetDefault("LLM_BASE_BACKOFF_MS", int(c.LLMBaseBackoff/time.Millisecond))
	v.SetDefault("LLM_KEYS_MANIFEST", c.KeysManifest)
	v.SetDefault("RATE_STORE_URL", c.RateStoreURL)
	v.SetDefault("SECRET_STORE_TYPE", c.SecretStoreType)
	v.SetDefault("BUS_URL", c.BusURL)
	v.SetDefault("WORKSPACE_ROOT", c.WorkspaceRoot)
	v.SetDefault("SANDBOX_CPU_LIMIT", c.SandboxCPULimit)
	v.SetDefault("SANDBOX_MEM_LIMIT", c.SandboxMemLimit)
	v.SetDefault("SANDBOX_TIMEOUT_S", int(c.SandboxTimeout/time.Second))
	v.SetDefault("SANDBOX_IMAGE", c.SandboxImage)

	c.MultiKeyRouterEnabled = v.GetBool("LLM_MULTI_KEY_ROUTER_ENABLED")
	c.LLMMaxRetries = v.GetInt("LLM_MAX_RETRIES")
	c.LLMBaseBackoff = time.Duration(v.GetInt("LLM_BASE_BACKOFF_MS")) * time.Millisecond
	c.KeysManifest = v.GetString("LLM_KEYS_MANIFEST")
	c.RateStoreURL = v.GetString("RATE_STORE_URL")
	c.SecretStoreType = v.GetString("SECRET_STORE_TYPE")
	c.BusURL = v.GetString("BUS_URL")
	c.WorkspaceRoot = v.GetString("WORKSPACE_ROOT")
	c.SandboxCPULimit = v.GetFloat64("SANDBOX_CPU_LIMIT")
	c.SandboxMemLimit = v.GetInt64("SANDBOX_MEM_LIMIT")
	c.SandboxTimeout = time.Duration(v.GetInt("SANDBOX_TIMEOUT_S")) * time.Second
	c.SandboxImage = v.GetString("SANDBOX_IMAGE")

	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("LLM_MAX_RETRIES must be non-negative")
	}
	if c.LLMBaseBackoff < 0 {
		return fmt.Errorf("LLM_BASE_BACKOFF_MS must be non-negative")
	}
	if c.SandboxCPULimit <= 0 {
		return fmt.Errorf("SANDBOX_CPU_LIMIT must be positive")
	}
	if c.SandboxMemLimit <= 0 {
		return fmt.Errorf("SANDBOX_MEM_LIMIT must be positive")
	}
	switch c.SecretStoreType {
	case "", "env", "keyring":
	case "vault", "aws", "azure":
		return fmt.Errorf("SECRET_STORE_TYPE %q is not supported in this build (supported: env, keyring)", c.SecretStoreType)
	default:
		return fmt.Errorf("unrecognized SECRET_STORE_TYPE %q", c.SecretStoreType)
	}
	return nil
}

// Layout paths under WorkspaceRoot.

// StoreDir is the artifact store git repository.
func (c Config) StoreDir() string { return filepath.Join(c.WorkspaceRoot, "store") }

// TodoDir holds persisted TodoList JSON files.
func (c Config) TodoDir() string { return filepath.Join(c.WorkspaceRoot, "todo") }

// EventLogPath is the in-process bus's durable log.
func (c Config) EventLogPath() string { return filepath.Join(c.WorkspaceRoot, "events.jsonl") }

// RegistryPath is the naming registry SQLite database.
func (c Config) RegistryPath() string { return filepath.Join(c.WorkspaceRoot, "naming.db") }

// SandboxRoot hosts per-run sandbox workspaces.
func (c Config) SandboxRoot() string { return filepath.Join(c.WorkspaceRoot, "sandbox") }
