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
package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/types"
)

type fakeLLM struct {
	resp string
	err  error
	reqs []router.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req router.Request) (*router.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &router.Response{Completion: router.Completion{Text: f.resp}}, nil
}

func newTaskContext(llm LLMClient, task types.Task) *TaskContext {
	return &TaskContext{
		WorkflowID: "wf-handlers",
		Task:       task,
		Attempt:    1,
		Workload:   types.WorkloadMedium,
		deps:       &Deps{LLM: llm},
		role:       task.Role,
		logger:     zap.NewNop(),
	}
}

func TestPlannerParsesTaskArray(t *testing.T) {
	llm := &fakeLLM{resp: "```json\n" + `[
		{"id": "data", "title": "load data", "agent_role": "coder", "priority": 2,
		 "acceptance_criteria": {"tests": ["test_data"]}},
		{"id": "entry", "title": "entry rules", "agent_role": "coder", "priority": 1,
		 "depends_on": ["data"], "acceptance_criteria": {"tests": ["test_entry"]}}
	]` + "\n```"}

	p := NewPlanner()
	tc := newTaskContext(llm, types.Task{ID: "plan", Role: types.RolePlanner, Description: "RSI strategy"})
	list, err := p.Plan(context.Background(), tc, "wf-handlers", "RSI strategy")
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "wf-handlers", list.WorkflowID)
	assert.Equal(t, "data", list.Items[0].ID)
	assert.Equal(t, []string{"data"}, list.Items[1].DependsOn)
}

func TestPlannerSafetyBlockFallsBackToTemplate(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("refused: %w", router.ErrSafetyBlocked)}

	p := NewPlanner()
	tc := newTaskContext(llm, types.Task{ID: "plan", Role: types.RolePlanner})
	list, err := p.Plan(context.Background(), tc, "wf-handlers", "EMA cross with stops")
	require.NoError(t, err)
	require.NotEmpty(t, list.Items)
	assert.Equal(t, "EMA cross with stops", list.WorkflowName)

	roles := map[types.AgentRole]int{}
	for _, task := range list.Items {
		roles[task.Role]++
	}
	assert.Equal(t, 4, roles[types.RoleCoder])
	assert.Equal(t, 1, roles[types.RoleTester])
}

func TestPlannerRejectsGarbage(t *testing.T) {
	llm := &fakeLLM{resp: "I cannot produce a plan."}
	p := NewPlanner()
	tc := newTaskContext(llm, types.Task{ID: "plan", Role: types.RolePlanner})
	_, err := p.Plan(context.Background(), tc, "wf-handlers", "anything")
	assert.Error(t, err)
}

func TestArchitectParsesContract(t *testing.T) {
	llm := &fakeLLM{resp: `{
		"task_id": "entry",
		"interfaces": [{"name": "signal", "inputs": {"bar": "dict"}, "outputs": {"side": "int"}}],
		"acceptance_tests": ["test_entry_bounds"]
	}`}

	a := NewArchitect()
	tc := newTaskContext(llm, types.Task{
		ID: "design", Role: types.RoleArchitect,
		Description: "design the entry signal for task `entry`",
	})
	res, err := a.Handle(context.Background(), tc)
	require.NoError(t, err)
	require.NotNil(t, res.Contract)
	assert.Equal(t, "entry", res.Contract.TaskID)
	assert.NotEmpty(t, res.Contract.ContractID)
	assert.Contains(t, res.Files, "contract.json")
}

func TestArchitectUnparseableOutputUsesTemplate(t *testing.T) {
	llm := &fakeLLM{resp: "no json here"}
	a := NewArchitect()
	tc := newTaskContext(llm, types.Task{
		ID: "design", Role: types.RoleArchitect,
		Description: "interfaces for task `impl`",
		AcceptanceCriteria: types.AcceptanceCriteria{Tests: []string{"test_impl"}},
	})
	res, err := a.Handle(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "impl", res.Contract.TaskID)
	assert.Equal(t, []string{"test_impl"}, res.Contract.AcceptanceTests)
	require.Len(t, res.Contract.Interfaces, 1)
	assert.Equal(t, "signal", res.Contract.Interfaces[0].Name)
}

func TestCoderProducesStrategyAndTests(t *testing.T) {
	llm := &fakeLLM{resp: "Here you go:\n```python\ndef signal(bar):\n    return 0\n```"}
	c := NewCoder()
	tc := newTaskContext(llm, types.Task{ID: "entry", Role: types.RoleCoder})
	tc.Contract = &types.Contract{AcceptanceTests: []string{"test_entry_bounds"}}

	res, err := c.Handle(context.Background(), tc)
	require.NoError(t, err)
	assert.Contains(t, string(res.Files["strategy.py"]), "def signal")
	tests := string(res.Files["tests.py"])
	assert.Contains(t, tests, "def metrics(")
	assert.Contains(t, tests, "def test_entry_bounds(")
	assert.Contains(t, tests, "trades.csv")
}

func TestCoderRejectsOutputWithoutSignal(t *testing.T) {
	llm := &fakeLLM{resp: "```python\nx = 1\n```"}
	c := NewCoder()
	tc := newTaskContext(llm, types.Task{ID: "entry", Role: types.RoleCoder})
	_, err := c.Handle(context.Background(), tc)
	assert.ErrorContains(t, err, "signal")
}

func TestCoderSafetyBlockUsesTemplate(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("blocked: %w", router.ErrSafetyBlocked)}
	c := NewCoder()
	tc := newTaskContext(llm, types.Task{ID: "entry", Role: types.RoleCoder})

	res, err := c.Handle(context.Background(), tc)
	require.NoError(t, err)
	strategy := string(res.Files["strategy.py"])
	assert.Contains(t, strategy, "def signal")
	assert.Contains(t, strategy, "def reset")
}

func TestExtractBlock(t *testing.T) {
	assert.Equal(t, "def f():\n    pass",
		extractBlock("intro\n```python\ndef f():\n    pass\n```\noutro"))
	assert.Equal(t, "plain text", extractBlock("  plain text  "))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, extractJSON("Sure! {\"a\": 1} there"))
	assert.Equal(t, `[1, 2]`, extractJSON("```json\n[1, 2]\n```"))
}

func TestPythonIdentSanitizes(t *testing.T) {
	assert.Equal(t, "test_entry_bounds", pythonIdent("Test Entry Bounds"))
	assert.Equal(t, "test_unnamed", pythonIdent("!!!"))
}

func TestTestsModuleMentionsEveryAcceptanceTest(t *testing.T) {
	m := testsModule(&types.Contract{AcceptanceTests: []string{"Test One", "test_two"}})
	assert.Contains(t, m, "def test_one(")
	assert.Contains(t, m, "def test_two(")
	assert.Contains(t, m, "equity_curve.csv")
	assert.Contains(t, m, "events.log")
}
