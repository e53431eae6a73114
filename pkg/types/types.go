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

// Package types contains shared domain types used across the quantweave
// framework. It exists to break import cycles: the orchestrator, agents,
// tester, and bus all exchange these values.
package types

import (
	"fmt"
	"strings"
	"time"
)

// AgentRole identifies which specialized agent a task is addressed to.
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleArchitect AgentRole = "architect"
	RoleCoder     AgentRole = "coder"
	RoleTester    AgentRole = "tester"
	RoleDebugger  AgentRole = "debugger"

	// RoleOrchestrator is not a dispatchable role; it appears only as an
	// event source.
	RoleOrchestrator AgentRole = "orchestrator"
	// RoleRouter is the LLM router's event source identity.
	RoleRouter AgentRole = "router"
)

// DispatchableRoles lists the roles a task may target.
var DispatchableRoles = []AgentRole{RolePlanner, RoleArchitect, RoleCoder, RoleTester, RoleDebugger}

// ValidRole reports whether role is a recognized dispatch target.
func ValidRole(role AgentRole) bool {
	for _, r := range DispatchableRoles {
		if r == role {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskInProgress TaskStatus = "in_progress"
	TaskPassed     TaskStatus = "passed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskPassed || s == TaskSkipped || s == TaskCancelled
}

// DefaultMaxAttempts is applied when a task omits max_attempts.
const DefaultMaxAttempts = 3

// AcceptanceCriteria describes how a task's output is judged.
type AcceptanceCriteria struct {
	// Tests are the acceptance test identifiers or inline assertions the
	// tester materializes into the generated harness.
	Tests []string `json:"tests"`

	// Schema optionally constrains the task's structured output.
	Schema map[string]interface{} `json:"schema,omitempty"`
}

// Task is a unit of work inside a TodoList.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Role        AgentRole `json:"agent_role"`
	Priority    int       `json:"priority"`

	// DependsOn lists task IDs that must pass before this task is ready.
	DependsOn []string `json:"depends_on"`

	AcceptanceCriteria AcceptanceCriteria `json:"acceptance_criteria"`

	Status      TaskStatus `json:"status,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`

	// BranchParent is set on todos injected at runtime to remediate a
	// failure; it names the failed task the branch targets.
	BranchParent string `json:"branch_parent,omitempty"`
}

// IsBranch reports whether the task was injected at runtime.
func (t *Task) IsBranch() bool { return t.BranchParent != "" }

// EffectiveMaxAttempts returns MaxAttempts or the default.
func (t *Task) EffectiveMaxAttempts() int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return DefaultMaxAttempts
}

// TodoList is the plan for one workflow. Items form a DAG via DependsOn.
type TodoList struct {
	TodoListID   string    `json:"todo_list_id"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	CreatedAt    time.Time `json:"created_at"`
	Version      int       `json:"version"`
	Items        []Task    `json:"items"`
}

// Find returns the task with the given ID, or nil.
func (l *TodoList) Find(id string) *Task {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return &l.Items[i]
		}
	}
	return nil
}

// InterfaceSpec is one function signature in a Contract.
type InterfaceSpec struct {
	Name    string            `json:"name"`
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

// Contract is the executable specification a coder must satisfy,
// produced by the architect and consumed by coder and tester.
type Contract struct {
	ContractID      string          `json:"contract_id"`
	TaskID          string          `json:"task_id"`
	Interfaces      []InterfaceSpec `json:"interfaces"`
	Fixtures        []string        `json:"fixtures"`
	AcceptanceTests []string        `json:"acceptance_tests"`
}

// ArtifactKind classifies a stored artifact.
type ArtifactKind string

const (
	ArtifactCode   ArtifactKind = "code"
	ArtifactTest   ArtifactKind = "test"
	ArtifactReport ArtifactKind = "report"
	ArtifactTrades ArtifactKind = "trades"
	ArtifactEquity ArtifactKind = "equity"
	ArtifactLog    ArtifactKind = "log"
)

// KindForFilename classifies a file by its well-known name or
// extension. Unrecognized files count as code.
func KindForFilename(filename string) ArtifactKind {
	switch {
	case filename == "test_report.json" || strings.HasSuffix(filename, "_test_report.json"):
		return ArtifactReport
	case filename == "trades.csv" || strings.HasSuffix(filename, "_trades.csv"):
		return ArtifactTrades
	case filename == "equity_curve.csv" || strings.HasSuffix(filename, "_equity_curve.csv"):
		return ArtifactEquity
	case strings.HasSuffix(filename, ".log"):
		return ArtifactLog
	case strings.Contains(filename, "test"):
		return ArtifactTest
	default:
		return ArtifactCode
	}
}

// Artifact is the metadata record for a file committed to the store.
// Artifacts are append-only: never mutated after commit.
type Artifact struct {
	ArtifactID      string       `json:"artifact_id"` // content hash
	WorkflowID      string       `json:"workflow_id"`
	TaskID          string       `json:"task_id"`
	Filename        string       `json:"filename"`
	Filepath        string       `json:"filepath"`
	ContentHash     string       `json:"content_hash"`
	Size            int64        `json:"size"`
	CreatedAt       time.Time    `json:"created_at"`
	Kind            ArtifactKind `json:"kind"`
	ParentArtifacts []string     `json:"parent_artifacts,omitempty"`
}

// WorkflowStatus is the orchestrator's workflow-level state.
// It is monotone toward a terminal value.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// Terminal reports whether the workflow has reached an end state.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed || s == WorkflowAborted
}

// FailureKind is the failure taxonomy tag attached to structured failures.
type FailureKind string

const (
	FailValidation       FailureKind = "validation"
	FailTransport        FailureKind = "transport"
	FailRateLimit        FailureKind = "rate_limit"
	FailSafety           FailureKind = "safety"
	FailSandboxInfra     FailureKind = "sandbox_infra"
	FailTest             FailureKind = "test_failure"
	FailTypeCheck        FailureKind = "type_check"
	FailStyle            FailureKind = "style"
	FailSecurityScan     FailureKind = "security_scan"
	FailMissingArtifact  FailureKind = "missing_artifact"
	FailSchema           FailureKind = "schema"
	FailSecretLeak       FailureKind = "secret_leak"
	FailNonDeterministic FailureKind = "non_deterministic"
	FailTimeout          FailureKind = "timeout"
	FailExhaustion       FailureKind = "exhaustion"
	FailCancelled        FailureKind = "cancelled"
	FailFatal            FailureKind = "fatal"
)

// FailureRecord is the structured description of a failed handler or test
// run. It travels on the bus; no silent failures.
type FailureRecord struct {
	Kind         FailureKind `json:"kind"`
	Message      string      `json:"message"`
	StackExcerpt string      `json:"stack_excerpt,omitempty"`

	// Diff carries an output comparison excerpt for determinism failures.
	Diff string `json:"diff,omitempty"`
}

// Error renders the record as an error string.
func (f *FailureRecord) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// TestMetrics are the strategy quality numbers parsed from test_report.json.
type TestMetrics struct {
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// Workload hints which model tier the router should pick.
type Workload string

const (
	WorkloadLight  Workload = "light"
	WorkloadMedium Workload = "medium"
	WorkloadHeavy  Workload = "heavy"
)

// Valid reports whether w is a recognized workload tier. The empty
// value counts as valid and means no preference.
func (w Workload) Valid() bool {
	switch w {
	case "", WorkloadLight, WorkloadMedium, WorkloadHeavy:
		return true
	}
	return false
}