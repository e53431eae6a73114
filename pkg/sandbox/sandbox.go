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

// Package sandbox runs generated strategy code in an isolated,
// resource-capped, network-denied environment and validates everything
// it produces. A run ends in a verdict; infrastructure trouble is a
// separate error so callers can tell a broken strategy from a broken
// sandbox.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/quantweave/quantweave/pkg/types"
)

// ErrTesterUnavailable marks persistent sandbox infrastructure failure
// (container runtime unreachable, image unavailable) after retries.
var ErrTesterUnavailable = errors.New("sandbox: tester unavailable")

// Resource defaults per the execution contract.
const (
	DefaultImage       = "python:3.12-slim"
	DefaultMemoryBytes = 1 << 30 // 1 GiB
	DefaultCPUCores    = 0.5
	DefaultTimeout     = 300 * time.Second
)

// Required workspace outputs.
const (
	ReportFile = "test_report.json"
	TradesFile = "trades.csv"
	EquityFile = "equity_curve.csv"
	EventsFile = "events.log"
)

// Step is one stage of the in-sandbox suite.
type Step struct {
	Name string
	Cmd  []string
	// FailKind tags the verdict when the step exits non-zero.
	FailKind types.FailureKind
}

// DefaultSuite runs tests, type checker, style checker, and security
// scanner in sequence inside the container.
func DefaultSuite() []Step {
	return []Step{
		{Name: "tests", Cmd: []string{"python", "harness.py"}, FailKind: types.FailTest},
		{Name: "type_check", Cmd: []string{"python", "-m", "mypy", "--ignore-missing-imports", "strategy.py"}, FailKind: types.FailTypeCheck},
		{Name: "style_check", Cmd: []string{"python", "-m", "ruff", "check", "."}, FailKind: types.FailStyle},
		{Name: "security_scan", Cmd: []string{"python", "-m", "bandit", "-q", "-r", "."}, FailKind: types.FailSecurityScan},
	}
}

// Config tunes the sandbox.
type Config struct {
	Image       string
	MemoryBytes int64
	CPUCores    float64
	Timeout     time.Duration
	Suite       []Step

	// WorkspaceRoot hosts per-run workspaces; empty uses the system
	// temp directory.
	WorkspaceRoot string

	// InfraRetries bounds retries of container-runtime failures.
	InfraRetries int
	// InfraBackoff is the linear delay between infra retries.
	InfraBackoff time.Duration
}

// DefaultConfig returns the documented resource caps.
func DefaultConfig() Config {
	return Config{
		Image:        DefaultImage,
		MemoryBytes:  DefaultMemoryBytes,
		CPUCores:     DefaultCPUCores,
		Timeout:      DefaultTimeout,
		Suite:        DefaultSuite(),
		InfraRetries: 3, // initial attempt plus two retries
		InfraBackoff: 500 * time.Millisecond,
	}
}

// RunSpec describes one container execution.
type RunSpec struct {
	WorkspaceDir string
	FixturesDir  string
	Cmd          []string
	Image        string
	MemoryBytes  int64
	CPUCores     float64
	Timeout      time.Duration
}

// RunResult is the outcome of one container execution. A non-zero
// exit code is a result, not an error; errors mean the sandbox itself
// failed.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner launches one command in an isolated container.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// Input is the unit of work handed to the tester: the task, its
// contract, and the coder's artifacts by filename.
type Input struct {
	Task      types.Task
	Contract  types.Contract
	Artifacts map[string][]byte
}

// Verdict is the structured outcome of a sandbox run.
type Verdict struct {
	Passed  bool
	Failure *types.FailureRecord
	Metrics *types.TestMetrics

	// Outputs holds the collected artifacts for the store.
	Outputs map[string][]byte

	// SnapshotID names the preserved workspace of a failed run.
	SnapshotID string
}
