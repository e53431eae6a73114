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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/types"
)

// Planner turns a strategy request into a TodoList.
type Planner struct{}

func NewPlanner() *Planner { return &Planner{} }

func (p *Planner) Role() types.AgentRole { return types.RolePlanner }

func (p *Planner) Handle(ctx context.Context, tc *TaskContext) (*Result, error) {
	list, err := p.Plan(ctx, tc, tc.WorkflowID, tc.Task.Description)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{
		TodoList: list,
		Files:    map[string][]byte{"plan.json": raw},
	}, nil
}

// Plan produces a validated-shape TodoList for the request, falling
// back to the deterministic four-task template when generation is
// refused on every tier.
func (p *Planner) Plan(ctx context.Context, llm completer, workflowID, request string) (*types.TodoList, error) {
	resp, err := llm.Complete(ctx, plannerSystem, plannerPrompt(request))
	if err != nil {
		if errors.Is(err, router.ErrSafetyBlocked) {
			return templatePlan(workflowID, request), nil
		}
		return nil, err
	}

	var items []types.Task
	if jerr := json.Unmarshal([]byte(extractJSON(resp.Text)), &items); jerr != nil {
		// Some models wrap the array in a todo list object.
		var wrapped types.TodoList
		if jerr2 := json.Unmarshal([]byte(extractJSON(resp.Text)), &wrapped); jerr2 != nil || len(wrapped.Items) == 0 {
			return nil, fmt.Errorf("planner output is not a task list: %w", jerr)
		}
		items = wrapped.Items
	}
	return &types.TodoList{
		TodoListID:   uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowName: request,
		Version:      1,
		Items:        items,
	}, nil
}

// completer abstracts TaskContext.Complete so Plan is callable from
// the CLI without a dispatched task.
type completer interface {
	Complete(ctx context.Context, system, prompt string) (*router.Response, error)
}

// templatePlan is the safety fallback: a fixed data/indicators/entry/
// exit pipeline with a tester behind each coder task.
func templatePlan(workflowID, request string) *types.TodoList {
	coder := func(id, title string, priority int, deps ...string) types.Task {
		return types.Task{
			ID: id, Title: title, Description: request, Role: types.RoleCoder,
			Priority: priority, DependsOn: deps,
			AcceptanceCriteria: types.AcceptanceCriteria{Tests: []string{"test_" + id}},
		}
	}
	return &types.TodoList{
		TodoListID:   uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowName: request,
		Version:      1,
		Items: []types.Task{
			coder("data", "load market data", 4),
			coder("indicators", "compute indicators", 3, "data"),
			coder("entry", "entry rules", 2, "indicators"),
			coder("exit", "exit rules", 2, "indicators"),
			{
				ID: "validate", Title: "sandbox validation", Role: types.RoleTester,
				Priority: 1, DependsOn: []string{"entry", "exit"},
				AcceptanceCriteria: types.AcceptanceCriteria{Tests: []string{"test_strategy_runs"}},
			},
		},
	}
}

// Architect produces the implementation contract for a coder task.
type Architect struct{}

func NewArchitect() *Architect { return &Architect{} }

func (a *Architect) Role() types.AgentRole { return types.RoleArchitect }

var targetTaskRe = regexp.MustCompile("for task `?([a-z0-9][a-z0-9-]*)`?")

func (a *Architect) Handle(ctx context.Context, tc *TaskContext) (*Result, error) {
	contract, err := a.design(ctx, tc)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{
		Contract: contract,
		Files:    map[string][]byte{"contract.json": raw},
	}, nil
}

func (a *Architect) design(ctx context.Context, tc *TaskContext) (*types.Contract, error) {
	resp, err := tc.Complete(ctx, architectSystem, architectPrompt(tc.Task))
	if err != nil {
		if errors.Is(err, router.ErrSafetyBlocked) {
			return a.templateContract(tc), nil
		}
		return nil, err
	}

	var contract types.Contract
	if jerr := json.Unmarshal([]byte(extractJSON(resp.Text)), &contract); jerr != nil {
		tc.logger.Warn("architect output unparseable, using template contract")
		return a.templateContract(tc), nil
	}
	if contract.ContractID == "" {
		contract.ContractID = uuid.NewString()
	}
	if contract.TaskID == "" {
		contract.TaskID = a.targetTask(tc)
	}
	if len(contract.AcceptanceTests) == 0 {
		contract.AcceptanceTests = tc.Task.AcceptanceCriteria.Tests
	}
	return &contract, nil
}

// targetTask resolves which task the contract constrains: an explicit
// "for task <id>" marker in the description wins, otherwise the
// architect task's own id is used and dependents inherit it.
func (a *Architect) targetTask(tc *TaskContext) string {
	if m := targetTaskRe.FindStringSubmatch(tc.Task.Description); m != nil {
		return m[1]
	}
	return tc.Task.ID
}

func (a *Architect) templateContract(tc *TaskContext) *types.Contract {
	return &types.Contract{
		ContractID: uuid.NewString(),
		TaskID:     a.targetTask(tc),
		Interfaces: []types.InterfaceSpec{{
			Name:    "signal",
			Inputs:  map[string]string{"bar": "dict with time, open, high, low, close, volume"},
			Outputs: map[string]string{"side": "int in {-1, 0, 1}"},
		}},
		Fixtures:        []string{"ohlcv.csv"},
		AcceptanceTests: tc.Task.AcceptanceCriteria.Tests,
	}
}

// Coder generates the strategy module plus the deterministic
// acceptance-test module the sandbox harness imports.
type Coder struct{}

func NewCoder() *Coder { return &Coder{} }

func (c *Coder) Role() types.AgentRole { return types.RoleCoder }

func (c *Coder) Handle(ctx context.Context, tc *TaskContext) (*Result, error) {
	contract := tc.Contract
	source, err := c.generate(ctx, tc, contract)
	if err != nil {
		return nil, err
	}
	return &Result{Files: map[string][]byte{
		"strategy.py": []byte(source),
		"tests.py":    []byte(testsModule(contract)),
	}}, nil
}

func (c *Coder) generate(ctx context.Context, tc *TaskContext, contract *types.Contract) (string, error) {
	resp, err := tc.Complete(ctx, coderSystem, coderPrompt(tc.Task, contract))
	if err != nil {
		if errors.Is(err, router.ErrSafetyBlocked) {
			tc.logger.Warn("generation refused on every tier, using template strategy")
			return fallbackStrategy, nil
		}
		return "", err
	}
	source := extractBlock(resp.Text)
	if !strings.Contains(source, "def signal") {
		return "", fmt.Errorf("coder output has no signal function")
	}
	return ensureTrailingNewline(source), nil
}

// Debugger repairs the newest strategy module in the workflow after a
// failed test run. Its output replaces the original under the same
// logical filename.
type Debugger struct{}

func NewDebugger() *Debugger { return &Debugger{} }

func (d *Debugger) Role() types.AgentRole { return types.RoleDebugger }

func (d *Debugger) Handle(ctx context.Context, tc *TaskContext) (*Result, error) {
	files, _, err := tc.TaskArtifacts(ctx, "")
	if err != nil {
		return nil, err
	}
	source, ok := files["strategy.py"]
	if !ok {
		return nil, fmt.Errorf("no strategy module found in workflow %s", tc.WorkflowID)
	}

	failures := d.failureContext(ctx, tc)
	resp, err := tc.Complete(ctx, debuggerSystem, debuggerPrompt(tc.Task, string(source), failures))
	if err != nil {
		if errors.Is(err, router.ErrSafetyBlocked) {
			return &Result{Files: map[string][]byte{"strategy.py": []byte(fallbackStrategy)}}, nil
		}
		return nil, err
	}
	fixed := extractBlock(resp.Text)
	if !strings.Contains(fixed, "def signal") {
		return nil, fmt.Errorf("debugger output has no signal function")
	}
	return &Result{Files: map[string][]byte{
		"strategy.py": []byte(ensureTrailingNewline(fixed)),
	}}, nil
}

// failureContext gathers the failure tail for the branch parent from
// the workflow's event log.
func (d *Debugger) failureContext(ctx context.Context, tc *TaskContext) []string {
	history, err := tc.deps.Bus.Replay(ctx, tc.WorkflowID, time.Time{})
	if err != nil {
		return nil
	}
	var lines []string
	for i := range history {
		ev := &history[i]
		if ev.TaskID != tc.Task.BranchParent {
			continue
		}
		var failure *types.FailureRecord
		switch ev.Type {
		case events.TypeTestFailed:
			var p events.TestFailed
			if ev.Decode(&p) == nil {
				failure = &p.Failure
			}
		case events.TypeTaskCompleted:
			var p events.TaskCompleted
			if ev.Decode(&p) == nil {
				failure = p.Failure
			}
		}
		if failure != nil {
			line := fmt.Sprintf("- %s: %s", failure.Kind, failure.Message)
			if failure.Diff != "" {
				line += "\n  diff: " + failure.Diff
			}
			lines = append(lines, line)
		}
	}
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return lines
}

func ensureTrailingNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		return s + "\n"
	}
	return s
}
