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
package naming

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkflowID = "5f4c2a1b-9d0e-4f6a-8b7c-3d2e1f0a9b8c"

func TestGenerateAndParseRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 812000000, time.UTC)
	n, err := Generate(ts, testWorkflowID, "t-003", "Mean Reversion entry filter v2 final draft", "py")
	require.NoError(t, err)

	assert.Equal(t, "20260314_092653_5f4c2a1b9d0e_t-003_mean_reversion_entry_filter_v2_final.py", n.Filename())

	parsed, err := Parse(n.Filename())
	require.NoError(t, err)
	assert.Equal(t, n.CreatedAt, parsed.CreatedAt)
	assert.Equal(t, "5f4c2a1b9d0e", parsed.WorkflowShort)
	assert.Equal(t, "t-003", parsed.TaskID)
	assert.Equal(t, "mean_reversion_entry_filter_v2_final", parsed.Desc)
	assert.Equal(t, "py", parsed.Ext)
}

func TestWorkflowShortIsDeterministic(t *testing.T) {
	a := WorkflowShort(testWorkflowID)
	b := WorkflowShort(testWorkflowID)
	assert.Equal(t, a, b)
	assert.Len(t, a, WorkflowPrefixLen)
	// Hyphens do not eat significant characters.
	assert.Equal(t, "5f4c2a1b9d0e", a)
}

func TestSnakeDesc(t *testing.T) {
	assert.Equal(t, "breakout_strategy", SnakeDesc("Breakout Strategy!"))
	assert.Equal(t, "a_b_c_d_e_f", SnakeDesc("a b c d e f g h"))
	assert.Equal(t, "artifact", SnakeDesc("---"))
	assert.Equal(t, "rsi_14_filter", SnakeDesc("RSI(14) filter"))
}

func TestGenerateRejectsBadInput(t *testing.T) {
	ts := time.Now()
	_, err := Generate(ts, "", "t-1", "x", "py")
	assert.Error(t, err)

	_, err = Generate(ts, testWorkflowID, "T 1!", "x", "py")
	assert.Error(t, err)

	_, err = Generate(ts, testWorkflowID, "t-1", "x", "")
	assert.Error(t, err)

	// Workflow ids shorter than the prefix cannot produce a stable name.
	_, err = Generate(ts, "short", "t-1", "x", "py")
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"notaname.py",
		"20260314_092653_short_t-003_desc.py",
		"2026031_092653_5f4c2a1b9d0e_t-003_desc.py",
		"20260314_092653_5f4c2a1b9d0e_t-003_desc",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "names.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func record(t *testing.T, reg *Registry, ts time.Time, task, desc, artifactID string) Name {
	t.Helper()
	n, err := Generate(ts, testWorkflowID, task, desc, "py")
	require.NoError(t, err)
	require.NoError(t, reg.Record(context.Background(), testWorkflowID, artifactID, "strategy_code", n))
	return n
}

func TestRegistryQueries(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	record(t, reg, base, "t-001", "breakout entry", "a1")
	record(t, reg, base.Add(time.Minute), "t-001", "breakout entry revised", "a2")
	record(t, reg, base.Add(2*time.Minute), "t-002", "risk sizing", "a3")

	byWF, err := reg.ByWorkflow(ctx, testWorkflowID)
	require.NoError(t, err)
	require.Len(t, byWF, 3)
	assert.Equal(t, "a1", byWF[0].ArtifactID)
	assert.Equal(t, "a3", byWF[2].ArtifactID)

	byTask, err := reg.ByTask(ctx, testWorkflowID, "t-001")
	require.NoError(t, err)
	require.Len(t, byTask, 2)

	byRange, err := reg.ByDateRange(ctx, base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	assert.Equal(t, "a2", byRange[0].ArtifactID)

	byDesc, err := reg.ByDescription(ctx, "breakout")
	require.NoError(t, err)
	require.Len(t, byDesc, 2)
	// Newest first.
	assert.Equal(t, "a2", byDesc[0].ArtifactID)

	latest, err := reg.LatestPerTask(ctx, testWorkflowID)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "t-001", latest[0].TaskID)
	assert.Equal(t, "a2", latest[0].ArtifactID)
	assert.Equal(t, "t-002", latest[1].TaskID)
	assert.Equal(t, "a3", latest[1].ArtifactID)
}

func TestRegistryRecordIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	n := record(t, reg, ts, "t-001", "entry signal", "a1")
	require.NoError(t, reg.Record(ctx, testWorkflowID, "a1", "strategy_code", n))

	entries, err := reg.ByWorkflow(ctx, testWorkflowID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegistryEmptyResults(t *testing.T) {
	reg := newTestRegistry(t)
	entries, err := reg.ByWorkflow(context.Background(), testWorkflowID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
