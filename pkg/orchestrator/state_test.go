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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/types"
)

const testWorkflow = "wf-rsi-strategy"

func coderTask(id string, priority int, deps ...string) types.Task {
	return types.Task{
		ID:        id,
		Title:     "build " + id,
		Role:      types.RoleCoder,
		Priority:  priority,
		DependsOn: deps,
		AcceptanceCriteria: types.AcceptanceCriteria{
			Tests: []string{"test_" + id},
		},
	}
}

func testPlan(tasks ...types.Task) *types.TodoList {
	return &types.TodoList{
		TodoListID: "plan-1",
		WorkflowID: testWorkflow,
		Items:      tasks,
	}
}

func testPools() map[types.AgentRole]int {
	return map[types.AgentRole]int{
		types.RolePlanner:   2,
		types.RoleArchitect: 2,
		types.RoleCoder:     2,
		types.RoleTester:    2,
		types.RoleDebugger:  1,
	}
}

func mustEvent(t *testing.T, typ events.Type, taskID string, payload interface{}) events.Event {
	t.Helper()
	ev, err := events.New(typ, testWorkflow, types.RoleOrchestrator, payload)
	require.NoError(t, err)
	ev.TaskID = taskID
	return ev
}

func applyList(t *testing.T, m *machine, list *types.TodoList) []command {
	t.Helper()
	cmds, err := m.apply(mustEvent(t, events.TypeTodoListCreated, "", events.TodoListCreated{TodoList: *list}))
	require.NoError(t, err)
	return cmds
}

func complete(t *testing.T, m *machine, taskID string, attempt int, passed bool) []command {
	t.Helper()
	cmds, err := m.apply(mustEvent(t, events.TypeTaskCompleted, taskID, events.TaskCompleted{
		TaskID:  taskID,
		Attempt: attempt,
		Passed:  passed,
		Failure: failureUnless(passed),
	}))
	require.NoError(t, err)
	return cmds
}

func failureUnless(passed bool) *types.FailureRecord {
	if passed {
		return nil
	}
	return &types.FailureRecord{Kind: types.FailTest, Message: "assertion failed"}
}

func dispatchesOf(cmds []command) []dispatchCmd {
	var out []dispatchCmd
	for _, c := range cmds {
		if d, ok := c.(dispatchCmd); ok {
			out = append(out, d)
		}
	}
	return out
}

func publishesOf(cmds []command) []publishCmd {
	var out []publishCmd
	for _, c := range cmds {
		if p, ok := c.(publishCmd); ok {
			out = append(out, p)
		}
	}
	return out
}

func hasPromote(cmds []command) bool {
	for _, c := range cmds {
		if _, ok := c.(promoteCmd); ok {
			return true
		}
	}
	return false
}

func TestInitialDispatchFollowsDependencies(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	cmds := applyList(t, m, testPlan(
		coderTask("data", 3),
		coderTask("indicators", 2, "data"),
		coderTask("entry", 1, "indicators"),
	))

	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, "data", ds[0].Task.ID)
	assert.Equal(t, 1, ds[0].Attempt)
	assert.Equal(t, types.WorkloadMedium, ds[0].Workload)
}

func TestDependencyReleaseDispatchesNextTask(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(
		coderTask("data", 2),
		coderTask("indicators", 1, "data"),
	))

	cmds := complete(t, m, "data", 1, true)
	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, "indicators", ds[0].Task.ID)
}

func TestTieBreakPriorityThenID(t *testing.T) {
	m := newMachine(testWorkflow, map[types.AgentRole]int{types.RoleCoder: 10})
	cmds := applyList(t, m, testPlan(
		coderTask("zeta", 1),
		coderTask("alpha", 1),
		coderTask("urgent", 5),
	))

	ds := dispatchesOf(cmds)
	require.Len(t, ds, 3)
	assert.Equal(t, "urgent", ds[0].Task.ID)
	assert.Equal(t, "alpha", ds[1].Task.ID)
	assert.Equal(t, "zeta", ds[2].Task.ID)
}

func TestSameRoleConcurrencyBounded(t *testing.T) {
	m := newMachine(testWorkflow, map[types.AgentRole]int{types.RoleCoder: 2})
	cmds := applyList(t, m, testPlan(
		coderTask("a", 1),
		coderTask("b", 1),
		coderTask("c", 1),
	))
	require.Len(t, dispatchesOf(cmds), 2)

	// Completion frees a pool slot for the third task.
	cmds = complete(t, m, "a", 1, true)
	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, "c", ds[0].Task.ID)
}

func TestFailureRedispatchesUntilAttemptsExhausted(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))

	cmds := complete(t, m, "data", 1, false)
	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, 2, ds[0].Attempt)

	cmds = complete(t, m, "data", 2, false)
	require.Len(t, dispatchesOf(cmds), 1)
}

func TestExhaustionInsertsDebuggerBranch(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))
	complete(t, m, "data", 1, false)
	complete(t, m, "data", 2, false)

	cmds := complete(t, m, "data", 3, false)
	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	branch := ds[0].Task
	assert.Equal(t, "data-debug", branch.ID)
	assert.Equal(t, types.RoleDebugger, branch.Role)
	assert.Equal(t, "data", branch.BranchParent)
	assert.Equal(t, []string{"data"}, branch.DependsOn)
	assert.Equal(t, 2, branch.Priority) // max existing priority + 1
	assert.Equal(t, types.WorkloadHeavy, ds[0].Workload)
}

func TestBranchSuccessRedispatchesOriginalTask(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))
	complete(t, m, "data", 1, false)
	complete(t, m, "data", 2, false)
	complete(t, m, "data", 3, false)

	cmds := complete(t, m, "data-debug", 1, true)
	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, "data", ds[0].Task.ID)
	assert.Equal(t, 1, ds[0].Attempt) // fresh attempt budget after remediation

	cmds = complete(t, m, "data", 1, true)
	assert.True(t, hasPromote(cmds))
	assert.Equal(t, types.WorkflowSucceeded, m.status)
}

func TestBranchExhaustionFailsWorkflow(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))
	for attempt := 1; attempt <= 3; attempt++ {
		complete(t, m, "data", attempt, false)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		complete(t, m, "data-debug", attempt, false)
	}

	cmds := complete(t, m, "data-debug", 3, false)
	ps := publishesOf(cmds)
	require.Len(t, ps, 1)
	assert.Equal(t, events.TypeWorkflowFailed, ps[0].Type)
	failed := ps[0].Payload.(events.WorkflowFailed)
	assert.Equal(t, types.FailExhaustion, failed.Reason)
	assert.Equal(t, "data", failed.TaskID)
	assert.Equal(t, types.WorkflowFailed, m.status)
}

func TestWorkflowSucceedsOnlyWhenOriginalTasksPass(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(
		coderTask("data", 2),
		coderTask("entry", 1, "data"),
	))

	cmds := complete(t, m, "data", 1, true)
	assert.False(t, hasPromote(cmds))

	cmds = complete(t, m, "entry", 1, true)
	assert.True(t, hasPromote(cmds))
	ps := publishesOf(cmds)
	require.Len(t, ps, 1)
	assert.Equal(t, events.TypeWorkflowSucceeded, ps[0].Type)
	succeeded := ps[0].Payload.(events.WorkflowSucceeded)
	assert.Equal(t, 2, succeeded.TaskCount)
}

func TestDuplicateEventIsNoOp(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(
		coderTask("data", 2),
		coderTask("entry", 1, "data"),
	))

	ev := mustEvent(t, events.TypeTaskCompleted, "data", events.TaskCompleted{
		TaskID: "data", Attempt: 1, Passed: true,
	})
	cmds, err := m.apply(ev)
	require.NoError(t, err)
	require.Len(t, dispatchesOf(cmds), 1)

	// Redelivery of the same event id changes nothing.
	cmds, err = m.apply(ev)
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.Equal(t, 1, m.list.Find("entry").Attempts)
}

func TestPairedFailureEventsConsumeOneAttempt(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))

	// Tester reports the same attempt twice: TEST_FAILED then the
	// agent's TASK_COMPLETED(passed=false).
	cmds, err := m.apply(mustEvent(t, events.TypeTestFailed, "data", events.TestFailed{
		TaskID: "data", Attempt: 1,
		Failure: types.FailureRecord{Kind: types.FailNonDeterministic, Message: "outputs diverged"},
	}))
	require.NoError(t, err)
	require.Len(t, dispatchesOf(cmds), 1)
	assert.Equal(t, 2, m.list.Find("data").Attempts)

	cmds = complete(t, m, "data", 1, false)
	assert.Empty(t, dispatchesOf(cmds))
	assert.Equal(t, 2, m.list.Find("data").Attempts)
}

func TestBranchRequestAfterExhaustionSplicesOnce(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(coderTask("data", 1)))
	for attempt := 1; attempt <= 3; attempt++ {
		complete(t, m, "data", attempt, false)
	}
	require.NotNil(t, m.list.Find("data-debug"))

	cmds, err := m.apply(mustEvent(t, events.TypeBranchTodoRequest, "data", events.BranchTodoRequest{
		FailedTaskID: "data",
		TargetRole:   types.RoleDebugger,
		Failure:      types.FailureRecord{Kind: types.FailTest, Message: "still failing"},
	}))
	require.NoError(t, err)
	assert.Empty(t, dispatchesOf(cmds))

	n := 0
	for i := range m.list.Items {
		if m.list.Items[i].IsBranch() {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestAbortCancelsNonTerminalTasks(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	applyList(t, m, testPlan(
		coderTask("data", 2),
		coderTask("entry", 1, "data"),
	))
	complete(t, m, "data", 1, true)

	cmds := m.abort()
	ps := publishesOf(cmds)
	var cancelled []string
	sawFailed := false
	for _, p := range ps {
		switch p.Type {
		case events.TypeTaskCancelled:
			cancelled = append(cancelled, p.TaskID)
		case events.TypeWorkflowFailed:
			sawFailed = true
			assert.Equal(t, types.FailCancelled, p.Payload.(events.WorkflowFailed).Reason)
		}
	}
	assert.Equal(t, []string{"entry"}, cancelled)
	assert.True(t, sawFailed)
	assert.Equal(t, types.WorkflowAborted, m.status)
	assert.Equal(t, types.TaskCancelled, m.list.Find("entry").Status)
	assert.Equal(t, types.TaskPassed, m.list.Find("data").Status)
}

func TestContractFlowsToDependentDispatch(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	design := types.Task{
		ID: "design", Title: "design interfaces", Role: types.RoleArchitect, Priority: 2,
	}
	applyList(t, m, testPlan(design, coderTask("impl", 1, "design")))

	contract := &types.Contract{ContractID: "c-1", TaskID: "impl", AcceptanceTests: []string{"test_impl"}}
	cmds, err := m.apply(mustEvent(t, events.TypeTaskCompleted, "design", events.TaskCompleted{
		TaskID: "design", Attempt: 1, Passed: true, Contract: contract,
	}))
	require.NoError(t, err)

	ds := dispatchesOf(cmds)
	require.Len(t, ds, 1)
	assert.Equal(t, "impl", ds[0].Task.ID)
	require.NotNil(t, ds[0].Contract)
	assert.Equal(t, "c-1", ds[0].Contract.ContractID)
}

func TestReplayRebuildsStateWithoutRedispatch(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	m.replay = true

	list := testPlan(
		coderTask("data", 2),
		coderTask("entry", 1, "data"),
	)
	cmds := applyList(t, m, list)
	assert.Empty(t, cmds, "replay must not self-dispatch")

	_, err := m.apply(mustEvent(t, events.TypeTaskDispatched, "data", events.TaskDispatched{
		Task: coderTask("data", 2), Attempt: 1,
	}))
	require.NoError(t, err)
	_, err = m.apply(mustEvent(t, events.TypeTaskCompleted, "data", events.TaskCompleted{
		TaskID: "data", Attempt: 1, Passed: true,
	}))
	require.NoError(t, err)

	assert.Equal(t, types.TaskPassed, m.list.Find("data").Status)

	resumed := m.resume()
	ds := dispatchesOf(resumed)
	require.Len(t, ds, 1)
	assert.Equal(t, "entry", ds[0].Task.ID)
}

func TestReplayTerminalWorkflowStaysTerminal(t *testing.T) {
	m := newMachine(testWorkflow, testPools())
	m.replay = true

	applyList(t, m, testPlan(coderTask("data", 1)))
	_, err := m.apply(mustEvent(t, events.TypeWorkflowFailed, "", events.WorkflowFailed{
		Reason: types.FailCancelled,
	}))
	require.NoError(t, err)

	assert.Equal(t, types.WorkflowAborted, m.status)
	assert.Empty(t, m.resume())
}

func TestValidateTodoList(t *testing.T) {
	base := func() *types.TodoList {
		return testPlan(coderTask("data", 1), coderTask("entry", 1, "data"))
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateTodoList(base()))
	})
	t.Run("duplicate id", func(t *testing.T) {
		l := base()
		l.Items = append(l.Items, coderTask("data", 1))
		assert.ErrorContains(t, ValidateTodoList(l), "duplicate task id")
	})
	t.Run("unknown dependency", func(t *testing.T) {
		l := base()
		l.Items[1].DependsOn = []string{"ghost"}
		assert.ErrorContains(t, ValidateTodoList(l), "unknown task")
	})
	t.Run("self dependency", func(t *testing.T) {
		l := base()
		l.Items[0].DependsOn = []string{"data"}
		assert.ErrorContains(t, ValidateTodoList(l), "depends on itself")
	})
	t.Run("cycle", func(t *testing.T) {
		l := base()
		l.Items[0].DependsOn = []string{"entry"}
		assert.ErrorContains(t, ValidateTodoList(l), "cycle")
	})
	t.Run("bad role", func(t *testing.T) {
		l := base()
		l.Items[0].Role = "manager"
		assert.ErrorContains(t, ValidateTodoList(l), "agent_role")
	})
	t.Run("coder without acceptance tests", func(t *testing.T) {
		l := base()
		l.Items[0].AcceptanceCriteria.Tests = nil
		assert.ErrorContains(t, ValidateTodoList(l), "acceptance tests")
	})
	t.Run("empty plan", func(t *testing.T) {
		l := base()
		l.Items = nil
		assert.ErrorContains(t, ValidateTodoList(l), "no tasks")
	})
}
