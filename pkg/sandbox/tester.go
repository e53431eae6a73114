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
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/types"
	"github.com/quantweave/quantweave/pkg/validate"
)

// maxExcerpt bounds stderr and diff excerpts in failure records.
const maxExcerpt = 2000

// Tester drives the full sandbox verdict flow: materialize, run the
// suite, collect and validate artifacts, scan for secrets, and
// re-execute for the determinism check.
type Tester struct {
	cfg     Config
	runner  Runner
	scanner *validate.SecretScanner
	logger  *zap.Logger
}

// NewTester wires a tester over a runner.
func NewTester(cfg Config, runner Runner) *Tester {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = DefaultMemoryBytes
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = DefaultCPUCores
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Suite) == 0 {
		cfg.Suite = DefaultSuite()
	}
	if cfg.InfraRetries <= 0 {
		cfg.InfraRetries = DefaultConfig().InfraRetries
	}
	if cfg.InfraBackoff <= 0 {
		cfg.InfraBackoff = DefaultConfig().InfraBackoff
	}
	return &Tester{
		cfg:     cfg,
		runner:  runner,
		scanner: validate.NewSecretScanner(nil),
		logger:  log.Named("sandbox"),
	}
}

// Run produces a verdict for the task's artifacts. An error return
// means the sandbox itself failed (ErrTesterUnavailable), never that
// the strategy failed.
func (t *Tester) Run(ctx context.Context, in Input) (*Verdict, error) {
	ws, err := Materialize(t.cfg.WorkspaceRoot, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTesterUnavailable, err)
	}
	defer ws.Remove()

	if v, err := t.runSuite(ctx, ws, in); v != nil || err != nil {
		return v, err
	}

	outputs, v := t.collectOutputs(ws, in)
	if v != nil {
		return v, nil
	}

	report, v := t.validateOutputs(outputs, in)
	if v != nil {
		return v, nil
	}

	if v, err := t.checkDeterminism(ctx, in, outputs); v != nil || err != nil {
		return v, err
	}

	t.logger.Info("sandbox run passed",
		zap.String("task_id", in.Task.ID),
		zap.Float64("win_rate", report.Metrics.WinRate),
		zap.Int("total_trades", report.Metrics.TotalTrades))
	return &Verdict{
		Passed:  true,
		Metrics: &report.Metrics,
		Outputs: outputs,
	}, nil
}

// runSuite runs every step in order. A nil, nil return means all
// steps exited zero.
func (t *Tester) runSuite(ctx context.Context, ws *Workspace, in Input) (*Verdict, error) {
	for _, step := range t.cfg.Suite {
		result, err := t.runStep(ctx, ws, step)
		if err != nil {
			return nil, err
		}
		if result.TimedOut {
			return t.fail(in, types.FailTimeout,
				fmt.Sprintf("step %s exceeded %s wall clock", step.Name, t.cfg.Timeout),
				excerpt(result.Stderr)), nil
		}
		if result.ExitCode != 0 {
			return t.fail(in, step.FailKind,
				fmt.Sprintf("step %s exited %d", step.Name, result.ExitCode),
				excerpt(result.Stderr+result.Stdout)), nil
		}
	}
	return nil, nil
}

// runStep retries container-infrastructure failures linearly before
// giving up with ErrTesterUnavailable.
func (t *Tester) runStep(ctx context.Context, ws *Workspace, step Step) (*RunResult, error) {
	var result *RunResult
	policy := bus.LinearRetry(t.cfg.InfraRetries, t.cfg.InfraBackoff)
	err := policy.Do(ctx, func() error {
		var runErr error
		result, runErr = t.runner.Run(ctx, RunSpec{
			WorkspaceDir: ws.Dir,
			FixturesDir:  ws.FixturesDir,
			Cmd:          step.Cmd,
			Image:        t.cfg.Image,
			MemoryBytes:  t.cfg.MemoryBytes,
			CPUCores:     t.cfg.CPUCores,
			Timeout:      t.cfg.Timeout,
		})
		return runErr
	})
	if err != nil {
		t.logger.Error("sandbox infrastructure failure",
			zap.String("step", step.Name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: step %s: %v", ErrTesterUnavailable, step.Name, err)
	}
	return result, nil
}

// collectOutputs reads the required artifacts from the workspace.
func (t *Tester) collectOutputs(ws *Workspace, in Input) (map[string][]byte, *Verdict) {
	outputs := make(map[string][]byte, 4)
	for _, filename := range []string{ReportFile, TradesFile, EquityFile, EventsFile} {
		data, err := ws.ReadOutput(filename)
		if err != nil {
			return nil, t.fail(in, types.FailMissingArtifact,
				fmt.Sprintf("required output %s was not produced", filename), "")
		}
		outputs[filename] = data
	}
	return outputs, nil
}

// validateOutputs schema-checks the report, the CSVs, and scans every
// text output for secrets. A secret hit fails the run regardless of
// the test result.
func (t *Tester) validateOutputs(outputs map[string][]byte, in Input) (*validate.TestReport, *Verdict) {
	for _, filename := range []string{ReportFile, EventsFile, TradesFile, EquityFile} {
		if res := t.scanner.Scan(filename, outputs[filename]); !res.OK {
			return nil, t.fail(in, types.FailSecretLeak, strings.Join(res.Issues, "; "), "")
		}
	}

	report, res := validate.ParseTestReport(outputs[ReportFile])
	if !res.OK {
		return nil, t.fail(in, types.FailSchema, strings.Join(res.Issues, "; "), "")
	}
	if res := validate.ValidateTradesCSV(outputs[TradesFile]); !res.OK {
		return nil, t.fail(in, types.FailSchema, strings.Join(res.Issues, "; "), "")
	}
	if res := validate.ValidateEquityCSV(outputs[EquityFile]); !res.OK {
		return nil, t.fail(in, types.FailSchema, strings.Join(res.Issues, "; "), "")
	}
	if !report.Passed {
		return nil, t.fail(in, types.FailTest, "test suite reported failures", "")
	}
	return report, nil
}

// checkDeterminism re-runs the test step in a fresh sandbox and
// byte-compares the trading outputs.
func (t *Tester) checkDeterminism(ctx context.Context, in Input, first map[string][]byte) (*Verdict, error) {
	ws, err := Materialize(t.cfg.WorkspaceRoot, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTesterUnavailable, err)
	}
	defer ws.Remove()

	testStep := t.cfg.Suite[0]
	result, err := t.runStep(ctx, ws, testStep)
	if err != nil {
		return nil, err
	}
	if result.TimedOut || result.ExitCode != 0 {
		return t.fail(in, types.FailNonDeterministic,
			"test suite did not reproduce its own passing run", excerpt(result.Stderr)), nil
	}

	for _, filename := range []string{TradesFile, EquityFile} {
		second, err := ws.ReadOutput(filename)
		if err != nil {
			return t.fail(in, types.FailNonDeterministic,
				fmt.Sprintf("re-run did not produce %s", filename), ""), nil
		}
		if !bytes.Equal(first[filename], second) {
			v := t.fail(in, types.FailNonDeterministic,
				fmt.Sprintf("%s differs between identical runs", filename), "")
			v.Failure.Diff = diffExcerpt(string(first[filename]), string(second))
			return v, nil
		}
	}
	return nil, nil
}

func (t *Tester) fail(in Input, kind types.FailureKind, message, stack string) *Verdict {
	snapshot := uuid.NewString()
	t.logger.Warn("sandbox run failed",
		zap.String("task_id", in.Task.ID),
		zap.String("kind", string(kind)),
		zap.String("snapshot_id", snapshot),
		zap.String("message", message))
	return &Verdict{
		Passed: false,
		Failure: &types.FailureRecord{
			Kind:         kind,
			Message:      message,
			StackExcerpt: stack,
		},
		SnapshotID: snapshot,
	}
}

// diffExcerpt renders a bounded semantic diff between two outputs.
func diffExcerpt(a, b string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var out strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			out.WriteString("+" + d.Text)
		case diffmatchpatch.DiffDelete:
			out.WriteString("-" + d.Text)
		}
		if out.Len() > maxExcerpt {
			break
		}
	}
	return excerpt(out.String())
}

func excerpt(s string) string {
	if len(s) > maxExcerpt {
		return s[:maxExcerpt] + "..."
	}
	return s
}
