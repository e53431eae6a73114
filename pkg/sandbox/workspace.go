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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantweave/quantweave/pkg/fixtures"
	"github.com/quantweave/quantweave/pkg/types"
)

// FixtureFile is the deterministic OHLCV series mounted read-only.
const FixtureFile = "ohlcv.csv"

// Workspace is one materialized run directory pair: writable workspace
// plus read-only fixtures.
type Workspace struct {
	Dir         string
	FixturesDir string
}

// Materialize lays out a fresh workspace: the coder's artifacts, the
// seeded fixtures, and a test harness generated from the contract's
// acceptance tests.
func Materialize(root string, in Input) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "qw-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	fixturesDir := filepath.Join(dir, "fixtures")
	workDir := filepath.Join(dir, "workspace")
	for _, d := range []string{fixturesDir, workDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("create workspace layout: %w", err)
		}
	}

	for filename, data := range in.Artifacts {
		if strings.Contains(filename, "/") || strings.Contains(filename, "..") {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("artifact filename %q must be a bare name", filename)
		}
		if err := os.WriteFile(filepath.Join(workDir, filename), data, 0o644); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("write artifact %s: %w", filename, err)
		}
	}

	gen, err := fixtures.NewGenerator(fixtures.DefaultGeneratorConfig())
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(fixturesDir, FixtureFile), gen.CSV(), 0o444); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write fixtures: %w", err)
	}

	harness := GenerateHarness(in.Contract)
	if err := os.WriteFile(filepath.Join(workDir, "harness.py"), []byte(harness), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write harness: %w", err)
	}

	return &Workspace{Dir: workDir, FixturesDir: fixturesDir}, nil
}

// Remove deletes the whole run directory.
func (w *Workspace) Remove() {
	os.RemoveAll(filepath.Dir(w.Dir))
}

// ReadOutput reads one produced file from the workspace.
func (w *Workspace) ReadOutput(filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(w.Dir, filename))
}

// GenerateHarness renders the python test harness that runs the
// contract's acceptance tests against the strategy module and writes
// the structured outputs the validators expect.
func GenerateHarness(contract types.Contract) string {
	var b strings.Builder
	b.WriteString(`import json
import sys
import traceback

import strategy
import tests as acceptance

FIXTURE = "/fixtures/ohlcv.csv"

results = []
for name in [
`)
	for _, name := range contract.AcceptanceTests {
		fmt.Fprintf(&b, "    %q,\n", sanitizeTestName(name))
	}
	b.WriteString(`]:
    entry = {"name": name, "passed": False}
    try:
        getattr(acceptance, name)(strategy, FIXTURE)
        entry["passed"] = True
    except AssertionError as exc:
        entry["message"] = str(exc)
    except Exception:
        entry["message"] = traceback.format_exc(limit=5)
    results.append(entry)

metrics = acceptance.metrics(strategy, FIXTURE)
report = {
    "passed": all(r["passed"] for r in results),
    "tests": results,
    "metrics": metrics,
}
with open("test_report.json", "w") as f:
    json.dump(report, f, indent=2)
sys.exit(0 if report["passed"] else 1)
`)
	return b.String()
}

func sanitizeTestName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		case r == ' ' || r == '-':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "test_unnamed"
	}
	return string(out)
}
