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
package orchestrator

import (
	"fmt"
	"sort"

	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/types"
)

// failureTail bounds the failure chain kept for status reporting.
const failureTail = 10

// command is a side effect the machine asks its driver to perform.
// The machine itself never touches the bus or the store.
type command interface{ isCommand() }

// dispatchCmd publishes TASK_DISPATCHED for one task attempt.
type dispatchCmd struct {
	Task     types.Task
	Attempt  int
	Contract *types.Contract
	Workload types.Workload
}

// publishCmd publishes one orchestrator-sourced event.
type publishCmd struct {
	Type    events.Type
	TaskID  string
	Payload interface{}
}

// promoteCmd fast-forwards main to the workflow branch.
type promoteCmd struct{}

func (dispatchCmd) isCommand() {}
func (publishCmd) isCommand()  {}
func (promoteCmd) isCommand()  {}

// TaskState is one task's externally visible state.
type TaskState struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Role         types.AgentRole  `json:"agent_role"`
	Status       types.TaskStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	Priority     int              `json:"priority"`
	BranchParent string           `json:"branch_parent,omitempty"`
}

// State is the snapshot returned to callers; the machine's internals
// stay private to the orchestrator.
type State struct {
	WorkflowID string                       `json:"workflow_id"`
	Status     types.WorkflowStatus         `json:"status"`
	Tasks      []TaskState                  `json:"tasks"`
	Failures   []types.FailureRecord        `json:"failures,omitempty"`
	Metrics    map[string]types.TestMetrics `json:"metrics,omitempty"`
}

// workloadForRole maps a role to the router tier hint carried on
// dispatch. Generation-heavy roles get the heavy tier.
func workloadForRole(role types.AgentRole) types.Workload {
	switch role {
	case types.RolePlanner, types.RoleArchitect, types.RoleDebugger:
		return types.WorkloadHeavy
	case types.RoleCoder:
		return types.WorkloadMedium
	default:
		return types.WorkloadLight
	}
}

// machine is the event-sourced workflow state machine. Apply mutates
// state and returns the side effects the driver must perform; applying
// an already-applied event id is a no-op. In replay mode commands are
// still computed for state transitions that recorded events drive, but
// self-initiated dispatch is suppressed so the recorded TASK_DISPATCHED
// stream remains the single source of attempt counts.
type machine struct {
	workflowID string
	list       *types.TodoList
	status     types.WorkflowStatus

	applied   map[string]struct{}
	contracts map[string]*types.Contract
	artifacts map[string][]string
	metrics   map[string]types.TestMetrics
	failures  []types.FailureRecord

	// handledFailures dedupes the tester's paired TASK_COMPLETED and
	// TEST_FAILED for the same attempt, keyed by task id.
	handledFailures map[string]int
	// branched maps a failed task to its remediation branch task.
	branched map[string]string

	pools    map[types.AgentRole]int
	inflight map[types.AgentRole]int

	replay bool
}

func newMachine(workflowID string, pools map[types.AgentRole]int) *machine {
	return &machine{
		workflowID:      workflowID,
		status:          types.WorkflowRunning,
		applied:         make(map[string]struct{}),
		contracts:       make(map[string]*types.Contract),
		artifacts:       make(map[string][]string),
		metrics:         make(map[string]types.TestMetrics),
		handledFailures: make(map[string]int),
		branched:        make(map[string]string),
		pools:           pools,
		inflight:        make(map[types.AgentRole]int),
	}
}

func (m *machine) apply(ev events.Event) ([]command, error) {
	if _, dup := m.applied[ev.ID]; dup {
		return nil, nil
	}
	m.applied[ev.ID] = struct{}{}

	if m.status.Terminal() {
		return nil, nil
	}

	switch ev.Type {
	case events.TypeTodoListCreated:
		return m.applyTodoList(ev)
	case events.TypeTaskDispatched:
		return nil, m.applyDispatched(ev)
	case events.TypeTaskCompleted:
		return m.applyCompleted(ev)
	case events.TypeTestPassed:
		return nil, m.applyTestPassed(ev)
	case events.TypeTestFailed:
		return m.applyTestFailed(ev)
	case events.TypeBranchTodoRequest:
		return m.applyBranchRequest(ev)
	case events.TypeTaskCancelled:
		m.cancelTask(ev.TaskID)
		return nil, nil
	case events.TypeWorkflowSucceeded:
		m.status = types.WorkflowSucceeded
		return nil, nil
	case events.TypeWorkflowFailed:
		return nil, m.applyWorkflowFailed(ev)
	default:
		// Observability events carry no workflow-state transition.
		return nil, nil
	}
}

func (m *machine) applyTodoList(ev events.Event) ([]command, error) {
	var p events.TodoListCreated
	if err := ev.Decode(&p); err != nil {
		return nil, err
	}
	if m.list != nil {
		return nil, nil
	}
	list := p.TodoList
	if err := ValidateTodoList(&list); err != nil {
		return nil, fmt.Errorf("reject todo list: %w", err)
	}
	for i := range list.Items {
		if list.Items[i].Status == "" {
			list.Items[i].Status = types.TaskPending
		}
	}
	m.list = &list
	return m.dispatchReady(), nil
}

// applyDispatched replays a recorded dispatch during recovery.
func (m *machine) applyDispatched(ev events.Event) error {
	if !m.replay || m.list == nil {
		return nil
	}
	var p events.TaskDispatched
	if err := ev.Decode(&p); err != nil {
		return err
	}
	task := m.list.Find(p.Task.ID)
	if task == nil {
		// Branch todos are appended at runtime; restore the task itself.
		m.list.Items = append(m.list.Items, p.Task)
		task = m.list.Find(p.Task.ID)
	}
	if task.Status == types.TaskPending || task.Status == types.TaskDispatched {
		if task.Status == types.TaskPending {
			m.inflight[task.Role]++
		}
		task.Status = types.TaskDispatched
		task.Attempts = p.Attempt
	}
	return nil
}

func (m *machine) applyCompleted(ev events.Event) ([]command, error) {
	var p events.TaskCompleted
	if err := ev.Decode(&p); err != nil {
		return nil, err
	}
	task := m.findTask(p.TaskID)
	if task == nil || task.Status.Terminal() {
		return nil, nil
	}
	if len(p.ArtifactIDs) > 0 {
		m.artifacts[p.TaskID] = p.ArtifactIDs
	}
	if p.Contract != nil {
		m.contracts[p.Contract.TaskID] = p.Contract
	}
	m.releaseInflight(task)

	if p.Passed {
		return m.taskPassed(task)
	}
	return m.taskFailed(task, p.Attempt, p.Failure)
}

func (m *machine) applyTestPassed(ev events.Event) error {
	var p events.TestPassed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	m.metrics[p.TaskID] = p.Metrics
	return nil
}

func (m *machine) applyTestFailed(ev events.Event) ([]command, error) {
	var p events.TestFailed
	if err := ev.Decode(&p); err != nil {
		return nil, err
	}
	task := m.findTask(p.TaskID)
	if task == nil || task.Status.Terminal() {
		return nil, nil
	}
	m.releaseInflight(task)
	failure := p.Failure
	return m.taskFailed(task, p.Attempt, &failure)
}

func (m *machine) applyBranchRequest(ev events.Event) ([]command, error) {
	var p events.BranchTodoRequest
	if err := ev.Decode(&p); err != nil {
		return nil, err
	}
	task := m.findTask(p.FailedTaskID)
	if task == nil {
		return nil, nil
	}
	// The paired TEST_FAILED drives retries; a branch is spliced only
	// once the task is out of attempts.
	if task.Attempts < task.EffectiveMaxAttempts() || task.Status.Terminal() {
		return nil, nil
	}
	m.recordFailure(p.Failure)
	return m.insertBranch(task)
}

func (m *machine) applyWorkflowFailed(ev events.Event) error {
	var p events.WorkflowFailed
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.Reason == types.FailCancelled {
		m.status = types.WorkflowAborted
	} else {
		m.status = types.WorkflowFailed
	}
	return nil
}

func (m *machine) taskPassed(task *types.Task) ([]command, error) {
	task.Status = types.TaskPassed

	var cmds []command
	if task.IsBranch() {
		// Remediation landed: give the original task a fresh attempt
		// budget and send it around again.
		parent := m.list.Find(task.BranchParent)
		if parent != nil && parent.Status == types.TaskFailed {
			parent.Status = types.TaskPending
			parent.Attempts = 0
			delete(m.branched, parent.ID)
			delete(m.handledFailures, parent.ID)
		}
	}

	if m.allOriginalPassed() {
		m.status = types.WorkflowSucceeded
		cmds = append(cmds, promoteCmd{}, publishCmd{
			Type: events.TypeWorkflowSucceeded,
			Payload: events.WorkflowSucceeded{
				PromotedBranch: "main",
				TaskCount:      m.originalCount(),
			},
		})
		return cmds, nil
	}
	return append(cmds, m.dispatchReady()...), nil
}

func (m *machine) taskFailed(task *types.Task, attempt int, failure *types.FailureRecord) ([]command, error) {
	if attempt == 0 {
		attempt = task.Attempts
	}
	if m.handledFailures[task.ID] >= attempt {
		return nil, nil
	}
	m.handledFailures[task.ID] = attempt
	if failure != nil {
		m.recordFailure(*failure)
	}

	if failure != nil && failure.Kind == types.FailCancelled {
		task.Status = types.TaskCancelled
		return m.dispatchReady(), nil
	}

	if task.Attempts < task.EffectiveMaxAttempts() {
		task.Status = types.TaskPending
		return m.dispatchReady(), nil
	}

	task.Status = types.TaskFailed
	if task.IsBranch() {
		// Remediation itself is out of attempts: the workflow is over.
		m.status = types.WorkflowFailed
		return []command{publishCmd{
			Type:   events.TypeWorkflowFailed,
			TaskID: task.BranchParent,
			Payload: events.WorkflowFailed{
				Reason: types.FailExhaustion,
				TaskID: task.BranchParent,
				Detail: fmt.Sprintf("branch task %s exhausted its attempts", task.ID),
			},
		}}, nil
	}
	return m.insertBranch(task)
}

// insertBranch splices a debugger todo targeting the failed task.
func (m *machine) insertBranch(failed *types.Task) ([]command, error) {
	if _, done := m.branched[failed.ID]; done {
		return m.dispatchReady(), nil
	}
	branchID := fmt.Sprintf("%s-debug", failed.ID)
	if m.list.Find(branchID) != nil {
		return m.dispatchReady(), nil
	}

	maxPriority := 0
	for i := range m.list.Items {
		if p := m.list.Items[i].Priority; p > maxPriority {
			maxPriority = p
		}
	}
	branch := types.Task{
		ID:                 branchID,
		Title:              fmt.Sprintf("debug %s", failed.Title),
		Description:        fmt.Sprintf("diagnose and repair the output of task %s", failed.ID),
		Role:               types.RoleDebugger,
		Priority:           maxPriority + 1,
		DependsOn:          []string{failed.ID},
		AcceptanceCriteria: failed.AcceptanceCriteria,
		Status:             types.TaskPending,
		BranchParent:       failed.ID,
	}
	m.list.Items = append(m.list.Items, branch)
	m.list.Version++
	m.branched[failed.ID] = branchID

	cmds := []command{publishCmd{
		Type:   events.TypeWorkflowBranchCreated,
		TaskID: branchID,
		Payload: events.WorkflowBranchCreated{
			Branch: branchID,
		},
	}}
	return append(cmds, m.dispatchReady()...), nil
}

// dispatchReady selects dispatchable tasks: ready, sorted by priority
// descending then id, bounded by per-role pools.
func (m *machine) dispatchReady() []command {
	if m.replay || m.list == nil || m.status != types.WorkflowRunning {
		return nil
	}

	var ready []*types.Task
	for i := range m.list.Items {
		t := &m.list.Items[i]
		if t.Status == types.TaskPending && m.depsSatisfied(t) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	var cmds []command
	for _, t := range ready {
		if limit, ok := m.pools[t.Role]; ok && m.inflight[t.Role] >= limit {
			continue
		}
		t.Status = types.TaskDispatched
		t.Attempts++
		m.inflight[t.Role]++
		cmds = append(cmds, dispatchCmd{
			Task:     *t,
			Attempt:  t.Attempts,
			Contract: m.contracts[t.ID],
			Workload: workloadForRole(t.Role),
		})
	}
	return cmds
}

// depsSatisfied treats a branch todo's failed parent as a satisfied
// dependency; everything else requires passed.
func (m *machine) depsSatisfied(t *types.Task) bool {
	for _, dep := range t.DependsOn {
		d := m.list.Find(dep)
		if d == nil {
			return false
		}
		if d.Status == types.TaskPassed {
			continue
		}
		if t.IsBranch() && dep == t.BranchParent && d.Status == types.TaskFailed {
			continue
		}
		return false
	}
	return true
}

// abort cancels every non-terminal task and ends the workflow.
func (m *machine) abort() []command {
	if m.status.Terminal() {
		return nil
	}
	var cmds []command
	if m.list != nil {
		for i := range m.list.Items {
			t := &m.list.Items[i]
			if t.Status.Terminal() {
				continue
			}
			m.releaseInflight(t)
			t.Status = types.TaskCancelled
			cmds = append(cmds, publishCmd{
				Type:    events.TypeTaskCancelled,
				TaskID:  t.ID,
				Payload: events.TaskCancelled{TaskID: t.ID},
			})
		}
	}
	m.status = types.WorkflowAborted
	cmds = append(cmds, publishCmd{
		Type: events.TypeWorkflowFailed,
		Payload: events.WorkflowFailed{
			Reason: types.FailCancelled,
			Detail: "workflow aborted by operator",
		},
	})
	return cmds
}

// resume exits replay mode and re-dispatches whatever is actionable.
func (m *machine) resume() []command {
	m.replay = false
	// Dispatched tasks with no recorded completion go around again; the
	// agent-side attempt idempotency check absorbs any double delivery.
	if m.list != nil && !m.status.Terminal() {
		for i := range m.list.Items {
			t := &m.list.Items[i]
			if t.Status == types.TaskDispatched || t.Status == types.TaskInProgress {
				m.releaseInflight(t)
				t.Status = types.TaskPending
			}
		}
	}
	return m.dispatchReady()
}

func (m *machine) cancelTask(taskID string) {
	task := m.findTask(taskID)
	if task == nil || task.Status.Terminal() {
		return
	}
	m.releaseInflight(task)
	task.Status = types.TaskCancelled
}

func (m *machine) releaseInflight(task *types.Task) {
	if task.Status == types.TaskDispatched || task.Status == types.TaskInProgress {
		if m.inflight[task.Role] > 0 {
			m.inflight[task.Role]--
		}
	}
}

func (m *machine) findTask(id string) *types.Task {
	if m.list == nil || id == "" {
		return nil
	}
	return m.list.Find(id)
}

func (m *machine) allOriginalPassed() bool {
	for i := range m.list.Items {
		t := &m.list.Items[i]
		if t.IsBranch() {
			continue
		}
		if t.Status != types.TaskPassed && t.Status != types.TaskSkipped {
			return false
		}
	}
	return true
}

func (m *machine) originalCount() int {
	n := 0
	for i := range m.list.Items {
		if !m.list.Items[i].IsBranch() {
			n++
		}
	}
	return n
}

func (m *machine) recordFailure(f types.FailureRecord) {
	m.failures = append(m.failures, f)
	if len(m.failures) > failureTail {
		m.failures = m.failures[len(m.failures)-failureTail:]
	}
}

func (m *machine) snapshot() State {
	s := State{
		WorkflowID: m.workflowID,
		Status:     m.status,
		Failures:   append([]types.FailureRecord(nil), m.failures...),
	}
	if len(m.metrics) > 0 {
		s.Metrics = make(map[string]types.TestMetrics, len(m.metrics))
		for k, v := range m.metrics {
			s.Metrics[k] = v
		}
	}
	if m.list == nil {
		return s
	}
	for i := range m.list.Items {
		t := &m.list.Items[i]
		s.Tasks = append(s.Tasks, TaskState{
			ID:           t.ID,
			Title:        t.Title,
			Role:         t.Role,
			Status:       t.Status,
			Attempts:     t.Attempts,
			Priority:     t.Priority,
			BranchParent: t.BranchParent,
		})
	}
	return s
}
