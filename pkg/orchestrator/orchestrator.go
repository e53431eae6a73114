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

// Package orchestrator owns workflow state. It reacts to bus events,
// dispatches ready tasks to agent roles, splices remediation branches
// on failure, and promotes the workflow's artifact branch on success.
// State is event-sourced: a restart replays the workflow's event log
// and continues where it left off.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/gitstore"
	"github.com/quantweave/quantweave/pkg/types"
)

// ErrUnknownWorkflow is returned for queries about a workflow the
// orchestrator has never seen and cannot recover.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// DefaultPoolSize bounds same-role concurrency when no explicit pool
// size is configured.
const DefaultPoolSize = 2

// pollInterval paces Execute's terminal-state checks.
const pollInterval = 200 * time.Millisecond

// Config tunes the orchestrator.
type Config struct {
	// RolePools bounds concurrent dispatches per agent role.
	RolePools map[types.AgentRole]int

	// TodoDir persists submitted plans for the list command.
	TodoDir string

	// Group is the bus consumer group name.
	Group string
}

// DefaultConfig returns pool size 2 for every dispatchable role.
func DefaultConfig() Config {
	pools := make(map[types.AgentRole]int, len(types.DispatchableRoles))
	for _, role := range types.DispatchableRoles {
		pools[role] = DefaultPoolSize
	}
	return Config{
		RolePools: pools,
		Group:     "orchestrator",
	}
}

// Orchestrator drives workflows to a terminal state.
type Orchestrator struct {
	cfg    Config
	bus    bus.Bus
	store  *gitstore.Store
	logger *zap.Logger
	retry  bus.RetryPolicy

	mu    sync.Mutex
	flows map[string]*machine
}

// New wires an orchestrator over a bus and artifact store.
func New(cfg Config, b bus.Bus, store *gitstore.Store) *Orchestrator {
	if cfg.RolePools == nil {
		cfg.RolePools = DefaultConfig().RolePools
	}
	if cfg.Group == "" {
		cfg.Group = "orchestrator"
	}
	return &Orchestrator{
		cfg:    cfg,
		bus:    b,
		store:  store,
		logger: log.Named("orchestrator"),
		retry:  bus.DefaultPublishRetry(),
		flows:  make(map[string]*machine),
	}
}

// Submit validates and persists a plan, opens the workflow's artifact
// branch, and announces TODO_LIST_CREATED. Dispatch happens when the
// run loop consumes the announcement.
func (o *Orchestrator) Submit(ctx context.Context, list *types.TodoList) error {
	if err := ValidateTodoList(list); err != nil {
		return err
	}
	if o.cfg.TodoDir != "" {
		if err := SaveTodoList(o.cfg.TodoDir, list); err != nil {
			return err
		}
	}
	if err := o.store.OpenWorkflow(ctx, list.WorkflowID); err != nil {
		return fmt.Errorf("open workflow branch: %w", err)
	}

	ev, err := events.New(events.TypeTodoListCreated, list.WorkflowID,
		types.RoleOrchestrator, events.TodoListCreated{TodoList: *list})
	if err != nil {
		return err
	}
	if err := o.publish(ctx, ev); err != nil {
		return err
	}
	o.logger.Info("workflow submitted",
		zap.String("workflow_id", list.WorkflowID),
		zap.Int("tasks", len(list.Items)))
	return nil
}

// Run consumes orchestrator-facing events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	deliveries, err := o.bus.Subscribe(ctx, o.cfg.Group,
		events.TypeTodoListCreated,
		events.TypeTaskCompleted,
		events.TypeTestPassed,
		events.TypeTestFailed,
		events.TypeBranchTodoRequest,
	)
	if err != nil {
		return fmt.Errorf("subscribe orchestrator group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-deliveries:
			if !open {
				return nil
			}
			if err := o.handle(ctx, d.Event); err != nil {
				o.logger.Error("event handling failed",
					zap.String("event_id", d.Event.ID),
					zap.String("event_type", string(d.Event.Type)),
					zap.Error(err))
			}
			// Ack regardless: the machine is idempotent on event_id and a
			// known-bad event gains nothing from redelivery.
			if err := d.Ack(); err != nil {
				o.logger.Warn("ack failed", zap.String("event_id", d.Event.ID), zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	m, ok := o.flows[ev.WorkflowID]
	if !ok {
		if ev.Type != events.TypeTodoListCreated {
			o.mu.Unlock()
			if err := o.Recover(ctx, ev.WorkflowID); err != nil {
				return err
			}
			o.mu.Lock()
			m = o.flows[ev.WorkflowID]
		} else {
			m = newMachine(ev.WorkflowID, o.cfg.RolePools)
			o.flows[ev.WorkflowID] = m
		}
	}
	cmds, err := m.apply(ev)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.execute(ctx, ev.WorkflowID, cmds)
}

// execute performs the machine's side effects. A dispatch that cannot
// be published is put back to pending; dispatch resumes on the next
// event for the workflow.
func (o *Orchestrator) execute(ctx context.Context, workflowID string, cmds []command) error {
	var firstErr error
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case dispatchCmd:
			if err := o.dispatch(ctx, workflowID, c); err != nil {
				o.requeue(workflowID, c.Task.ID)
				o.logger.Warn("dispatch paused",
					zap.String("workflow_id", workflowID),
					zap.String("task_id", c.Task.ID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		case publishCmd:
			ev, err := events.New(c.Type, workflowID, types.RoleOrchestrator, c.Payload)
			if err == nil {
				ev.TaskID = c.TaskID
				err = o.publish(ctx, ev)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case promoteCmd:
			if err := o.store.Promote(ctx, workflowID); err != nil {
				o.logger.Error("promotion failed",
					zap.String("workflow_id", workflowID),
					zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			} else {
				o.logger.Info("workflow branch promoted",
					zap.String("workflow_id", workflowID))
			}
		}
	}
	return firstErr
}

func (o *Orchestrator) dispatch(ctx context.Context, workflowID string, c dispatchCmd) error {
	ev, err := events.New(events.TypeTaskDispatched, workflowID,
		types.RoleOrchestrator, events.TaskDispatched{
			Task:     c.Task,
			Contract: c.Contract,
			Attempt:  c.Attempt,
			Workload: c.Workload,
		})
	if err != nil {
		return err
	}
	ev.TaskID = c.Task.ID
	ev.Attempt = c.Attempt
	if err := o.publish(ctx, ev); err != nil {
		return err
	}
	o.logger.Info("task dispatched",
		zap.String("workflow_id", workflowID),
		zap.String("task_id", c.Task.ID),
		zap.String("role", string(c.Task.Role)),
		zap.Int("attempt", c.Attempt))
	return nil
}

// requeue reverts a task to pending after a failed dispatch publish.
func (o *Orchestrator) requeue(workflowID, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.flows[workflowID]
	if m == nil {
		return
	}
	task := m.findTask(taskID)
	if task == nil || task.Status != types.TaskDispatched {
		return
	}
	m.releaseInflight(task)
	task.Status = types.TaskPending
	task.Attempts--
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) error {
	return o.retry.Do(ctx, func() error {
		return o.bus.Publish(ctx, ev)
	})
}

// machineFor returns the resident machine, recovering it from the
// event log if needed.
func (o *Orchestrator) machineFor(ctx context.Context, workflowID string) (*machine, error) {
	o.mu.Lock()
	m, ok := o.flows[workflowID]
	o.mu.Unlock()
	if ok {
		return m, nil
	}
	if err := o.Recover(ctx, workflowID); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flows[workflowID], nil
}

// Abort cancels every non-terminal task and ends the workflow.
func (o *Orchestrator) Abort(ctx context.Context, workflowID string) error {
	m, err := o.machineFor(ctx, workflowID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	cmds := m.abort()
	o.mu.Unlock()

	o.logger.Info("workflow aborted", zap.String("workflow_id", workflowID))
	return o.execute(ctx, workflowID, cmds)
}

// State returns the workflow snapshot, recovering from the event log
// if the workflow is not resident.
func (o *Orchestrator) State(ctx context.Context, workflowID string) (State, error) {
	m, err := o.machineFor(ctx, workflowID)
	if err != nil {
		return State{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return m.snapshot(), nil
}

// Execute blocks until the workflow reaches a terminal state or ctx
// is cancelled.
func (o *Orchestrator) Execute(ctx context.Context, workflowID string) (State, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		s, err := o.State(ctx, workflowID)
		if err != nil {
			return State{}, err
		}
		if s.Status.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover rebuilds a workflow's machine from the bus event log, then
// re-dispatches whatever was in flight.
func (o *Orchestrator) Recover(ctx context.Context, workflowID string) error {
	history, err := o.bus.Replay(ctx, workflowID, time.Time{})
	if err != nil {
		return fmt.Errorf("replay workflow %s: %w", workflowID, err)
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	m := newMachine(workflowID, o.cfg.RolePools)
	m.replay = true
	for _, ev := range history {
		if _, err := m.apply(ev); err != nil {
			o.logger.Warn("skipping bad event during replay",
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
	cmds := m.resume()

	o.mu.Lock()
	if _, exists := o.flows[workflowID]; exists {
		// A concurrent recovery won; keep the resident machine.
		o.mu.Unlock()
		return nil
	}
	o.flows[workflowID] = m
	o.mu.Unlock()

	o.logger.Info("workflow recovered from event log",
		zap.String("workflow_id", workflowID),
		zap.Int("events", len(history)),
		zap.String("status", string(m.status)))
	return o.execute(ctx, workflowID, cmds)
}

// Workflows lists resident workflow ids plus persisted plans on disk.
func (o *Orchestrator) Workflows() ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	o.mu.Lock()
	for id := range o.flows {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	o.mu.Unlock()

	if o.cfg.TodoDir != "" {
		stored, err := ListWorkflows(o.cfg.TodoDir)
		if err != nil {
			return nil, err
		}
		for _, id := range stored {
			if _, dup := seen[id]; !dup {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
