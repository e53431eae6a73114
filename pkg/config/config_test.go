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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantweave/quantweave/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.False(t, cfg.MultiKeyRouterEnabled)
	assert.Equal(t, 3, cfg.LLMMaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.LLMBaseBackoff)
	assert.Equal(t, "env", cfg.SecretStoreType)
	assert.Empty(t, cfg.BusURL)
	assert.Empty(t, cfg.RateStoreURL)
	assert.Equal(t, 300*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, "python:3.12-slim", cfg.SandboxImage)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("LLM_MULTI_KEY_ROUTER_ENABLED", "true")
	t.Setenv("LLM_MAX_RETRIES", "5")
	t.Setenv("LLM_BASE_BACKOFF_MS", "100")
	t.Setenv("BUS_URL", "nats://localhost:4222")
	t.Setenv("SECRET_STORE_TYPE", "keyring")
	t.Setenv("WORKSPACE_ROOT", "/var/lib/quantweave")
	t.Setenv("SANDBOX_TIMEOUT_S", "60")
	t.Setenv("RATE_STORE_URL", "localhost:6379")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.MultiKeyRouterEnabled)
	assert.Equal(t, 5, cfg.LLMMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.LLMBaseBackoff)
	assert.Equal(t, "nats://localhost:4222", cfg.BusURL)
	assert.Equal(t, "keyring", cfg.SecretStoreType)
	assert.Equal(t, "/var/lib/quantweave", cfg.WorkspaceRoot)
	assert.Equal(t, 60*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, "localhost:6379", cfg.RateStoreURL)
}

func TestYAMLFileApplies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quantweave.yaml"), []byte(`
sandbox:
  image: python:3.13-slim
  cpu_limit: 1.0
  timeout_s: 120
role_pools:
  coder: 4
  tester: 1
router:
  keys_manifest: /etc/quantweave/keys.json
  rate_store_url: redis.internal:6379
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "python:3.13-slim", cfg.SandboxImage)
	assert.InDelta(t, 1.0, cfg.SandboxCPULimit, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.SandboxTimeout)
	assert.Equal(t, 4, cfg.RolePools[types.RoleCoder])
	assert.Equal(t, 1, cfg.RolePools[types.RoleTester])
	assert.Equal(t, "/etc/quantweave/keys.json", cfg.KeysManifest)
	assert.Equal(t, "redis.internal:6379", cfg.RateStoreURL)
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quantweave.yaml"), []byte(`
sandbox:
  timeout_s: 120
`), 0o644))
	t.Setenv("SANDBOX_TIMEOUT_S", "45")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.SandboxTimeout)
}

func TestRejectsInvalidValues(t *testing.T) {
	t.Setenv("SECRET_STORE_TYPE", "post-it-note")
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "SECRET_STORE_TYPE")
}

func TestRejectsUnimplementedSecretStores(t *testing.T) {
	for _, backend := range []string{"vault", "aws", "azure"} {
		t.Setenv("SECRET_STORE_TYPE", backend)
		_, err := Load(t.TempDir())
		assert.ErrorContains(t, err, "not supported in this build", backend)
	}
}

func TestRejectsUnknownRolePool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quantweave.yaml"), []byte(`
role_pools:
  manager: 3
`), 0o644))
	_, err := Load(dir)
	assert.ErrorContains(t, err, "unknown role")
}

func TestWorkspaceLayout(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceRoot = "/data/qw"

	assert.Equal(t, "/data/qw/store", cfg.StoreDir())
	assert.Equal(t, "/data/qw/todo", cfg.TodoDir())
	assert.Equal(t, "/data/qw/events.jsonl", cfg.EventLogPath())
	assert.Equal(t, "/data/qw/naming.db", cfg.RegistryPath())
	assert.Equal(t, "/data/qw/sandbox", cfg.SandboxRoot())
}
