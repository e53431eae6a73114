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

// Package agent runs the role workers. A base loop subscribes to the
// role's dispatch channel, runs the role handler with a bounded
// timeout, commits artifacts through the store and naming registry,
// and reports TASK_COMPLETED. Redelivered dispatches are absorbed by
// an attempt-level idempotency check; handler panics become structured
// failure records.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/gitstore"
	"github.com/quantweave/quantweave/pkg/naming"
	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/sandbox"
	"github.com/quantweave/quantweave/pkg/types"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 5 * time.Minute

// LLMClient is the slice of the router the handlers need.
type LLMClient interface {
	Complete(ctx context.Context, req router.Request) (*router.Response, error)
}

// Deps are the shared collaborators handed to every agent.
type Deps struct {
	Bus      bus.Bus
	Store    *gitstore.Store
	Registry *naming.Registry // optional artifact index
	LLM      LLMClient        // nil for roles that never generate

	// Clock feeds artifact naming; nil means time.Now.
	Clock func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

// Config tunes the base loop.
type Config struct {
	// Group overrides the consumer group name; default "agents-<role>".
	Group string

	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout time.Duration
}

// Result is what a handler hands back to the base loop.
type Result struct {
	// Files maps logical filenames ("strategy.py") to contents; the
	// base loop commits them under registry-generated names.
	Files map[string][]byte

	// Contract is attached to TASK_COMPLETED for architect output.
	Contract *types.Contract

	// TodoList is attached for planner output.
	TodoList *types.TodoList

	// Failure marks the attempt failed without a handler error
	// (tester verdicts).
	Failure *types.FailureRecord
}

// Handler is one role's task logic.
type Handler interface {
	Role() types.AgentRole
	Handle(ctx context.Context, tc *TaskContext) (*Result, error)
}

// Agent is the base loop wrapping one role handler.
type Agent struct {
	handler Handler
	deps    Deps
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // workflow/task -> cancel
}

// New wires a role worker.
func New(cfg Config, handler Handler, deps Deps) *Agent {
	if cfg.Group == "" {
		cfg.Group = "agents-" + string(handler.Role())
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	return &Agent{
		handler:  handler,
		deps:     deps,
		cfg:      cfg,
		logger:   log.Named("agent").With(zap.String("role", string(handler.Role()))),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run consumes dispatches for this role until ctx is cancelled.
// Cancellations ride a separate consumer group so an abort reaches a
// busy agent while its handler is still running.
func (a *Agent) Run(ctx context.Context) error {
	dispatches, err := a.deps.Bus.Subscribe(ctx, a.cfg.Group, events.TypeTaskDispatched)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.cfg.Group, err)
	}
	cancels, err := a.deps.Bus.Subscribe(ctx, a.cfg.Group+"-cancel", events.TypeTaskCancelled)
	if err != nil {
		return fmt.Errorf("subscribe %s-cancel: %w", a.cfg.Group, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, open := <-cancels:
				if !open {
					return
				}
				a.cancelInflight(d.Event.WorkflowID, d.Event.TaskID)
				a.ack(d)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-dispatches:
			if !open {
				return nil
			}
			if err := a.handleDispatch(ctx, d.Event); err != nil {
				a.logger.Error("dispatch handling failed",
					zap.String("task_id", d.Event.TaskID),
					zap.Error(err))
			}
			a.ack(d)
		}
	}
}

func (a *Agent) ack(d bus.Delivery) {
	if err := d.Ack(); err != nil {
		a.logger.Warn("ack failed", zap.String("event_id", d.Event.ID), zap.Error(err))
	}
}

func (a *Agent) handleDispatch(ctx context.Context, ev events.Event) error {
	var p events.TaskDispatched
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Task.Role != a.handler.Role() {
		return nil
	}

	done, err := a.alreadyCompleted(ctx, ev.WorkflowID, p.Task.ID, p.Attempt)
	if err != nil {
		a.logger.Warn("idempotency check unavailable, proceeding",
			zap.String("task_id", p.Task.ID), zap.Error(err))
	}
	if done {
		a.logger.Info("skipping already completed attempt",
			zap.String("task_id", p.Task.ID), zap.Int("attempt", p.Attempt))
		return nil
	}

	tc := &TaskContext{
		WorkflowID: ev.WorkflowID,
		Task:       p.Task,
		Contract:   p.Contract,
		Attempt:    p.Attempt,
		Workload:   p.Workload,
		deps:       &a.deps,
		role:       a.handler.Role(),
		logger:     a.logger.With(zap.String("task_id", p.Task.ID)),
	}

	if err := tc.Emit(ctx, events.TypeTaskStarted, events.TaskStarted{
		TaskID: p.Task.ID, Attempt: p.Attempt,
	}); err != nil {
		return err
	}

	result, failure := a.invoke(ctx, tc)

	completed := events.TaskCompleted{
		TaskID:  p.Task.ID,
		Attempt: p.Attempt,
		Passed:  failure == nil,
		Failure: failure,
	}
	if result != nil {
		completed.Contract = result.Contract
		completed.TodoList = result.TodoList
		for logical, data := range result.Files {
			art, err := tc.StoreFile(ctx, logical, data)
			if err != nil {
				completed.Passed = false
				completed.Failure = &types.FailureRecord{
					Kind:    types.FailTransport,
					Message: fmt.Sprintf("store %s: %v", logical, err),
				}
				break
			}
			completed.ArtifactIDs = append(completed.ArtifactIDs, art.ArtifactID)
		}
	}

	return tc.Emit(ctx, events.TypeTaskCompleted, completed)
}

// invoke runs the handler under a bounded, cancellable context and
// converts panics and errors into failure records.
func (a *Agent) invoke(ctx context.Context, tc *TaskContext) (result *Result, failure *types.FailureRecord) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.HandlerTimeout)
	key := tc.WorkflowID + "/" + tc.Task.ID
	a.mu.Lock()
	a.inflight[key] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, key)
		a.mu.Unlock()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			failure = &types.FailureRecord{
				Kind:         types.FailFatal,
				Message:      fmt.Sprintf("handler panic: %v", r),
				StackExcerpt: stackExcerpt(),
			}
			a.logger.Error("handler panicked",
				zap.String("task_id", tc.Task.ID),
				zap.Any("panic", r))
		}
	}()

	res, err := a.handler.Handle(runCtx, tc)
	if err != nil {
		return nil, classifyHandlerError(runCtx, err)
	}
	if res != nil && res.Failure != nil {
		return res, res.Failure
	}
	return res, nil
}

func (a *Agent) cancelInflight(workflowID, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if taskID == "" {
		for key, cancel := range a.inflight {
			if strings.HasPrefix(key, workflowID+"/") {
				cancel()
			}
		}
		return
	}
	if cancel, ok := a.inflight[workflowID+"/"+taskID]; ok {
		cancel()
	}
}

// alreadyCompleted scans the workflow's event log for a recorded
// completion of this attempt.
func (a *Agent) alreadyCompleted(ctx context.Context, workflowID, taskID string, attempt int) (bool, error) {
	history, err := a.deps.Bus.Replay(ctx, workflowID, time.Time{})
	if err != nil {
		return false, err
	}
	for i := range history {
		ev := &history[i]
		if ev.Type != events.TypeTaskCompleted || ev.TaskID != taskID {
			continue
		}
		var p events.TaskCompleted
		if err := ev.Decode(&p); err != nil {
			continue
		}
		if p.TaskID == taskID && p.Attempt == attempt {
			return true, nil
		}
	}
	return false, nil
}

func classifyHandlerError(ctx context.Context, err error) *types.FailureRecord {
	kind := types.FailFatal
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		kind = types.FailCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = types.FailTimeout
	case errors.Is(err, router.ErrSafetyBlocked):
		kind = types.FailSafety
	case errors.Is(err, router.ErrAllKeysExhausted):
		kind = types.FailRateLimit
	case errors.Is(err, sandbox.ErrTesterUnavailable):
		kind = types.FailSandboxInfra
	case errors.Is(err, bus.ErrBusUnavailable):
		kind = types.FailTransport
	}
	return &types.FailureRecord{Kind: kind, Message: err.Error()}
}

func stackExcerpt() string {
	s := string(debug.Stack())
	if len(s) > 2000 {
		s = s[:2000] + "..."
	}
	return s
}

// TaskContext is the per-attempt view a handler works with.
type TaskContext struct {
	WorkflowID string
	Task       types.Task
	Contract   *types.Contract
	Attempt    int
	Workload   types.Workload

	deps   *Deps
	role   types.AgentRole
	logger *zap.Logger
}

// Complete routes one generation request, stamped with the task's
// workflow, task id, and workload tier.
func (tc *TaskContext) Complete(ctx context.Context, system, prompt string) (*router.Response, error) {
	if tc.deps.LLM == nil {
		return nil, fmt.Errorf("role %s has no LLM client", tc.role)
	}
	return tc.deps.LLM.Complete(ctx, router.Request{
		System:     system,
		Prompt:     prompt,
		Workload:   tc.Workload,
		WorkflowID: tc.WorkflowID,
		TaskID:     tc.Task.ID,
	})
}

// Emit publishes one event sourced from this role, keyed to the task.
func (tc *TaskContext) Emit(ctx context.Context, typ events.Type, payload interface{}) error {
	ev, err := events.New(typ, tc.WorkflowID, tc.role, payload)
	if err != nil {
		return err
	}
	ev.TaskID = tc.Task.ID
	ev.Attempt = tc.Attempt
	return bus.DefaultPublishRetry().Do(ctx, func() error {
		return tc.deps.Bus.Publish(ctx, ev)
	})
}

// StoreFile commits one logical file to the workflow branch under a
// registry-generated name and records it in the naming index. Files
// are routed by kind: strategy code under codes/, generated tests
// under tests/, run results under artifacts/{workflow_id}/.
func (tc *TaskContext) StoreFile(ctx context.Context, logical string, data []byte) (*types.Artifact, error) {
	ext := strings.TrimPrefix(path.Ext(logical), ".")
	stem := strings.TrimSuffix(logical, path.Ext(logical))
	name, err := naming.Generate(tc.deps.now(), tc.WorkflowID, tc.Task.ID, stem, ext)
	if err != nil {
		return nil, fmt.Errorf("name %s: %w", logical, err)
	}
	art, err := tc.deps.Store.Put(ctx, tc.WorkflowID, tc.Task.ID, tc.artifactPath(logical, name), data)
	if err != nil {
		return nil, err
	}
	if tc.deps.Registry != nil {
		if err := tc.deps.Registry.Record(ctx, tc.WorkflowID, art.ArtifactID, string(art.Kind), name); err != nil {
			tc.logger.Warn("naming registry write failed",
				zap.String("filename", name.Filename()), zap.Error(err))
		}
	}
	return art, nil
}

// artifactPath places a logical file in the branch layout by kind.
func (tc *TaskContext) artifactPath(logical string, name naming.Name) string {
	switch types.KindForFilename(logical) {
	case types.ArtifactTest:
		return path.Join("tests", name.Filename())
	case types.ArtifactCode:
		if strings.HasSuffix(logical, ".py") {
			return path.Join("codes", name.Filename())
		}
	}
	return path.Join("artifacts", tc.WorkflowID, name.Filename())
}

// TaskArtifacts returns the newest stored content per logical filename,
// plus the matching artifact ids. An empty taskID spans the whole
// workflow branch, so a debugger's replacement shadows the original.
func (tc *TaskContext) TaskArtifacts(ctx context.Context, taskID string) (map[string][]byte, map[string]string, error) {
	arts, err := tc.deps.Store.List(ctx, tc.WorkflowID)
	if err != nil {
		return nil, nil, err
	}

	type candidate struct {
		at time.Time
		id string
	}
	newest := make(map[string]candidate)
	for _, art := range arts {
		name, err := naming.Parse(path.Base(art.Filename))
		if err != nil {
			continue
		}
		if taskID != "" && name.TaskID != strings.ToLower(taskID) {
			continue
		}
		logical := name.Desc + "." + name.Ext
		if cur, ok := newest[logical]; !ok || name.CreatedAt.After(cur.at) {
			newest[logical] = candidate{at: name.CreatedAt, id: art.ArtifactID}
		}
	}

	files := make(map[string][]byte, len(newest))
	ids := make(map[string]string, len(newest))
	for logical, c := range newest {
		data, err := tc.deps.Store.Read(ctx, c.id)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", logical, err)
		}
		files[logical] = data
		ids[logical] = c.id
	}
	return files, ids, nil
}
