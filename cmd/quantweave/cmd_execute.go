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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/pkg/agent"
	"github.com/quantweave/quantweave/pkg/sandbox"
	"github.com/quantweave/quantweave/pkg/types"
)

var executeCmd = &cobra.Command{
	Use:   "execute <workflow_id>",
	Short: "Run the dispatch loop until the workflow is terminal",
	Long: `Execute recovers the workflow from the event log, starts the
orchestrator and one in-process agent per role, and blocks until the
workflow reaches a terminal state. The tester agent is skipped with a
warning when no container runtime is reachable.`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rtr, err := a.newRouter(ctx)
	if err != nil {
		return err
	}

	deps := agent.Deps{Bus: a.bus, Store: a.store, Registry: a.registry, LLM: rtr}
	handlers := []agent.Handler{
		agent.NewPlanner(),
		agent.NewArchitect(),
		agent.NewCoder(),
		agent.NewDebugger(),
	}
	if tester := a.newTesterHandler(ctx); tester != nil {
		handlers = append(handlers, tester)
	}

	go func() {
		if rerr := a.orch.Run(ctx); rerr != nil && ctx.Err() == nil {
			a.logger.Error("orchestrator loop exited", zap.Error(rerr))
		}
	}()
	for _, h := range handlers {
		ag := agent.New(agent.Config{}, h, deps)
		go func() {
			if rerr := ag.Run(ctx); rerr != nil && ctx.Err() == nil {
				a.logger.Error("agent loop exited", zap.Error(rerr))
			}
		}()
	}

	// Each agent registers a dispatch group and a cancel group; wait
	// for all of them so recovery re-dispatches are not lost.
	if err := a.awaitGroups(ctx, 1+2*len(handlers)); err != nil {
		return withCode(exitInfra, err)
	}

	state, err := a.orch.Execute(ctx, args[0])
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), state)

	if state.Status != types.WorkflowSucceeded {
		return withCode(exitFailed, fmt.Errorf("workflow %s ended %s", state.WorkflowID, state.Status))
	}
	return nil
}

// newTesterHandler wires the sandbox tester against the local
// container runtime, or returns nil when none is reachable.
func (a *app) newTesterHandler(ctx context.Context) agent.Handler {
	runner, err := sandbox.NewDockerRunner(ctx)
	if err != nil {
		a.logger.Warn("container runtime unreachable, tester agent disabled", zap.Error(err))
		return nil
	}
	scfg := sandbox.DefaultConfig()
	scfg.Image = a.cfg.SandboxImage
	scfg.CPUCores = a.cfg.SandboxCPULimit
	scfg.MemoryBytes = a.cfg.SandboxMemLimit
	scfg.Timeout = a.cfg.SandboxTimeout
	scfg.WorkspaceRoot = a.cfg.SandboxRoot()
	return agent.NewTester(sandbox.NewTester(scfg, runner))
}

func (a *app) awaitGroups(ctx context.Context, want int) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		health, err := a.bus.Health(ctx)
		if err == nil && len(health.Groups) >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("consumer groups did not come up")
}
