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
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/config"
	"github.com/quantweave/quantweave/pkg/gitstore"
	"github.com/quantweave/quantweave/pkg/naming"
	"github.com/quantweave/quantweave/pkg/orchestrator"
	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/types"
)

// app wires the shared collaborators every command needs: resolved
// configuration, the event bus, the artifact store, the naming
// registry, and an orchestrator over them.
type app struct {
	cfg      config.Config
	bus      bus.Bus
	store    *gitstore.Store
	registry *naming.Registry
	orch     *orchestrator.Orchestrator
	logger   *zap.Logger
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, withCode(exitInvalid, err)
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, withCode(exitInfra, fmt.Errorf("workspace root: %w", err))
	}

	a := &app{cfg: cfg, logger: log.Named("cli")}

	if cfg.BusURL != "" {
		a.bus, err = bus.NewNATSBus(ctx, bus.NATSBusConfig{URL: cfg.BusURL, Logger: log.Named("bus")})
	} else {
		a.bus, err = bus.NewMemoryBus(bus.MemoryBusConfig{
			LogPath: cfg.EventLogPath(),
			Logger:  log.Named("bus"),
		})
	}
	if err != nil {
		return nil, withCode(exitInfra, fmt.Errorf("open bus: %w", err))
	}

	a.store, err = gitstore.Open(cfg.StoreDir())
	if err != nil {
		a.bus.Close()
		return nil, withCode(exitInfra, fmt.Errorf("open artifact store: %w", err))
	}

	a.registry, err = naming.OpenRegistry(cfg.RegistryPath())
	if err != nil {
		a.bus.Close()
		return nil, withCode(exitInfra, fmt.Errorf("open naming registry: %w", err))
	}

	ocfg := orchestrator.DefaultConfig()
	ocfg.TodoDir = cfg.TodoDir()
	for role, n := range cfg.RolePools {
		ocfg.RolePools[role] = n
	}
	a.orch = orchestrator.New(ocfg, a.bus, a.store)
	return a, nil
}

func (a *app) Close() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.logger.Warn("closing naming registry", zap.Error(err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("closing bus", zap.Error(err))
		}
	}
}

// newRouter builds the LLM router from the keys manifest. Single-key
// mode truncates the pool to the first manifest entry. RATE_STORE_URL
// selects shared Redis capacity counters; an unreachable store is
// fail-open, the router counts locally and flags itself degraded.
func (a *app) newRouter(ctx context.Context) (*router.Router, error) {
	m, err := router.LoadManifest(a.cfg.KeysManifest)
	if err != nil {
		return nil, withCode(exitInvalid, err)
	}
	secrets, err := router.NewSecretStore(a.cfg.SecretStoreType)
	if err != nil {
		return nil, withCode(exitInvalid, err)
	}
	keys := router.LoadKeys(m, secrets)
	if !a.cfg.MultiKeyRouterEnabled && len(keys) > 1 {
		keys = keys[:1]
	}

	providers := router.ProviderRegistry{
		"anthropic": router.NewAnthropicProvider(),
		"ollama":    router.NewOllamaProvider(os.Getenv("OLLAMA_HOST")),
		"mock":      router.NewMockProvider(),
	}
	opts := []router.Option{router.WithBus(a.bus)}
	if a.cfg.RateStoreURL != "" {
		counters, cerr := router.NewRedisCounterStore(ctx, a.cfg.RateStoreURL)
		if cerr != nil {
			a.logger.Warn("rate counter store unreachable, counting locally",
				zap.String("url", a.cfg.RateStoreURL), zap.Error(cerr))
		} else {
			opts = append(opts, router.WithSharedCounters(counters))
		}
	}
	rcfg := router.DefaultConfig()
	rcfg.MaxRetries = a.cfg.LLMMaxRetries
	rcfg.BaseBackoff = a.cfg.LLMBaseBackoff
	return router.New(rcfg, keys, providers, opts...), nil
}

// llmCompleter adapts the router to the planner's prompt interface for
// CLI-side planning, before any task is dispatched.
type llmCompleter struct {
	router     *router.Router
	workflowID string
	workload   types.Workload
}

func (c llmCompleter) Complete(ctx context.Context, system, prompt string) (*router.Response, error) {
	return c.router.Complete(ctx, router.Request{
		System:     system,
		Prompt:     prompt,
		Workload:   c.workload,
		WorkflowID: c.workflowID,
	})
}
