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
package events

import (
	"time"

	"github.com/quantweave/quantweave/pkg/types"
)

// TodoListCreated announces a validated plan entering the orchestrator.
type TodoListCreated struct {
	TodoList types.TodoList `json:"todo_list"`
}

// TaskDispatched instructs an agent role to pick up a task.
type TaskDispatched struct {
	Task types.Task `json:"task"`

	// Contract is present for coder and tester tasks once the architect
	// has produced one.
	Contract *types.Contract `json:"contract,omitempty"`

	// Attempt is the dispatch attempt for this task, starting at 1.
	Attempt int `json:"attempt"`

	// Workload hints the router's model tier for this task.
	Workload types.Workload `json:"workload,omitempty"`
}

// TaskStarted is published by an agent when it begins handler work.
type TaskStarted struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// TaskCompleted reports handler outcome, success or failure.
type TaskCompleted struct {
	TaskID      string               `json:"task_id"`
	Attempt     int                  `json:"attempt"`
	Passed      bool                 `json:"passed"`
	ArtifactIDs []string             `json:"artifact_ids,omitempty"`
	Failure     *types.FailureRecord `json:"failure,omitempty"`

	// Contract is attached when the completing role produced one
	// (architect tasks).
	Contract *types.Contract `json:"contract,omitempty"`

	// TodoList is attached when the completing role produced a plan
	// (planner tasks).
	TodoList *types.TodoList `json:"todo_list,omitempty"`
}

// TestStarted marks the beginning of a sandbox run.
type TestStarted struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// TestPassed carries the parsed metrics and artifact references of a
// fully validated, deterministic test run.
type TestPassed struct {
	TaskID      string            `json:"task_id"`
	Attempt     int               `json:"attempt"`
	Metrics     types.TestMetrics `json:"metrics"`
	ArtifactIDs []string          `json:"artifact_ids"`
}

// TestFailed carries the failure taxonomy tag and a workspace snapshot
// reference for debugging.
type TestFailed struct {
	TaskID     string              `json:"task_id"`
	Attempt    int                 `json:"attempt"`
	Failure    types.FailureRecord `json:"failure"`
	SnapshotID string              `json:"snapshot_id,omitempty"`
}

// BranchTodoRequest asks the orchestrator to splice a remediation todo
// targeting the debugger.
type BranchTodoRequest struct {
	FailedTaskID string              `json:"failed_task_id"`
	TargetRole   types.AgentRole     `json:"target_role"`
	Failure      types.FailureRecord `json:"failure"`

	// ArtifactIDs reference the failing artifacts the debugger starts from.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

// WorkflowBranchCreated announces the artifact store branch for a workflow.
type WorkflowBranchCreated struct {
	Branch string `json:"branch"`
}

// WorkflowSucceeded is terminal: every original task passed and the
// workflow branch was promoted.
type WorkflowSucceeded struct {
	PromotedBranch string `json:"promoted_branch"`
	TaskCount      int    `json:"task_count"`
}

// WorkflowFailed is terminal with a reason from the failure taxonomy.
type WorkflowFailed struct {
	Reason types.FailureKind `json:"reason"`
	TaskID string            `json:"task_id,omitempty"`
	Detail string            `json:"detail,omitempty"`
}

// TaskCancelled is published for each non-terminal task on abort.
type TaskCancelled struct {
	TaskID string `json:"task_id"`
}

// LLMRetry records a router-level retry decision for observability.
type LLMRetry struct {
	KeyID     string        `json:"key_id"`
	Model     string        `json:"model"`
	Reason    string        `json:"reason"` // rate_limit | safety | transient
	NextKeyID string        `json:"next_key_id,omitempty"`
	NextModel string        `json:"next_model,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
}
