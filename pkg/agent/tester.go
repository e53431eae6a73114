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
	"strings"

	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/sandbox"
	"github.com/quantweave/quantweave/pkg/types"
)

// Tester bridges the agent loop to the sandbox: it gathers the newest
// strategy artifacts from the workflow branch, runs the full sandbox
// suite, stores the run outputs, and publishes the test verdict events
// alongside the base loop's TASK_COMPLETED.
type Tester struct {
	sandbox *sandbox.Tester
}

func NewTester(sb *sandbox.Tester) *Tester { return &Tester{sandbox: sb} }

func (t *Tester) Role() types.AgentRole { return types.RoleTester }

func (t *Tester) Handle(ctx context.Context, tc *TaskContext) (*Result, error) {
	files, ids, err := tc.TaskArtifacts(ctx, "")
	if err != nil {
		return nil, err
	}
	code := codeArtifacts(files)
	if _, ok := code["strategy.py"]; !ok {
		return nil, fmt.Errorf("no strategy module on workflow branch %s", tc.WorkflowID)
	}

	contract := tc.Contract
	if contract == nil {
		contract = &types.Contract{
			TaskID:          tc.Task.ID,
			AcceptanceTests: tc.Task.AcceptanceCriteria.Tests,
		}
	}

	if err := tc.Emit(ctx, events.TypeTestStarted, events.TestStarted{
		TaskID: tc.Task.ID, Attempt: tc.Attempt,
	}); err != nil {
		return nil, err
	}

	verdict, err := t.sandbox.Run(ctx, sandbox.Input{
		Task:      tc.Task,
		Contract:  *contract,
		Artifacts: code,
	})
	if err != nil {
		return nil, err
	}

	if verdict.Passed {
		return t.reportPassed(ctx, tc, verdict)
	}
	return t.reportFailed(ctx, tc, verdict, codeIDs(ids))
}

func (t *Tester) reportPassed(ctx context.Context, tc *TaskContext, verdict *sandbox.Verdict) (*Result, error) {
	var artifactIDs []string
	for filename, data := range verdict.Outputs {
		art, err := tc.StoreFile(ctx, filename, data)
		if err != nil {
			return nil, fmt.Errorf("store test output %s: %w", filename, err)
		}
		artifactIDs = append(artifactIDs, art.ArtifactID)
	}

	if err := tc.Emit(ctx, events.TypeTestPassed, events.TestPassed{
		TaskID:      tc.Task.ID,
		Attempt:     tc.Attempt,
		Metrics:     *verdict.Metrics,
		ArtifactIDs: artifactIDs,
	}); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (t *Tester) reportFailed(ctx context.Context, tc *TaskContext, verdict *sandbox.Verdict, codeIDs []string) (*Result, error) {
	if err := tc.Emit(ctx, events.TypeTestFailed, events.TestFailed{
		TaskID:     tc.Task.ID,
		Attempt:    tc.Attempt,
		Failure:    *verdict.Failure,
		SnapshotID: verdict.SnapshotID,
	}); err != nil {
		return nil, err
	}
	if err := tc.Emit(ctx, events.TypeBranchTodoRequest, events.BranchTodoRequest{
		FailedTaskID: tc.Task.ID,
		TargetRole:   types.RoleDebugger,
		Failure:      *verdict.Failure,
		ArtifactIDs:  codeIDs,
	}); err != nil {
		return nil, err
	}
	return &Result{Failure: verdict.Failure}, nil
}

// codeArtifacts keeps only the python sources a sandbox run needs,
// dropping prior run outputs that share the branch.
func codeArtifacts(files map[string][]byte) map[string][]byte {
	code := make(map[string][]byte)
	for logical, data := range files {
		if strings.HasSuffix(logical, ".py") {
			code[logical] = data
		}
	}
	return code
}

func codeIDs(ids map[string]string) []string {
	var out []string
	for logical, id := range ids {
		if strings.HasSuffix(logical, ".py") {
			out = append(out, id)
		}
	}
	return out
}
