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
package gitstore

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestOpenWorkflowIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	wfs, err := s.Branches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1"}, wfs)
}

func TestPutAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	art, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("def entry(): pass\n"))
	require.NoError(t, err)
	assert.Len(t, art.ArtifactID, 64)
	assert.Equal(t, art.ArtifactID, art.ContentHash)

	data, err := s.Read(ctx, art.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "def entry(): pass\n", string(data))
}

func TestPutIdenticalBytesIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	a1, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("same\n"))
	require.NoError(t, err)
	tip1, err := s.revParse(ctx, "refs/heads/"+BranchName("wf-1"))
	require.NoError(t, err)

	a2, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("same\n"))
	require.NoError(t, err)
	tip2, err := s.revParse(ctx, "refs/heads/"+BranchName("wf-1"))
	require.NoError(t, err)

	assert.Equal(t, a1.ArtifactID, a2.ArtifactID)
	assert.Equal(t, tip1, tip2, "no new commit for identical bytes")
}

func TestPutNewVersionCreatesCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	a1, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("v1\n"))
	require.NoError(t, err)
	a2, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("v2\n"))
	require.NoError(t, err)
	assert.NotEqual(t, a1.ArtifactID, a2.ArtifactID)

	// Latest bytes win on the branch; both remain readable by id.
	data, err := s.Read(ctx, a2.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(data))
}

func TestPutRequiresOpenWorkflow(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Put(context.Background(), "wf-missing", "t-001", "x.py", []byte("x"))
	assert.ErrorIs(t, err, ErrWorkflowNotOpen)
}

func TestPutRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	for _, bad := range []string{"../escape.py", "codes/../escape.py", "/abs.py", "codes//x.py", "codes/.", ""} {
		_, err := s.Put(ctx, "wf-1", "t-001", bad, []byte("x"))
		assert.Error(t, err, "path %q", bad)
	}
}

func TestPutUnderDirectoryPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	code, err := s.Put(ctx, "wf-1", "t-001", "codes/strategy.py", []byte("v1\n"))
	require.NoError(t, err)
	trades, err := s.Put(ctx, "wf-1", "t-002", "artifacts/wf-1/trades.csv", []byte("time,symbol,action,volume,price,pnl\n"))
	require.NoError(t, err)

	data, err := s.Read(ctx, code.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))

	arts, err := s.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "artifacts/wf-1/trades.csv", arts[0].Filename)
	assert.Equal(t, "codes/strategy.py", arts[1].Filename)

	// Files outside the prefix survive a nested rewrite.
	v2, err := s.Put(ctx, "wf-1", "t-001", "codes/strategy.py", []byte("v2\n"))
	require.NoError(t, err)
	assert.NotEqual(t, code.ArtifactID, v2.ArtifactID)
	data, err = s.Read(ctx, trades.ArtifactID)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pnl")
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	_, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("code\n"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "wf-1", "t-002", "trades.csv", []byte("time,symbol,action,volume,price,pnl\n"))
	require.NoError(t, err)

	arts, err := s.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "strategy.py", arts[0].Filename)
	assert.Equal(t, "trades.csv", arts[1].Filename)
}

func TestPromoteFastForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))

	art, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("winner\n"))
	require.NoError(t, err)

	require.NoError(t, s.Promote(ctx, "wf-1"))

	mainTip, err := s.revParse(ctx, "refs/heads/main")
	require.NoError(t, err)
	wfTip, err := s.revParse(ctx, "refs/heads/"+BranchName("wf-1"))
	require.NoError(t, err)
	assert.Equal(t, wfTip, mainTip)

	data, err := s.Read(ctx, art.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "winner\n", string(data))
}

func TestPromoteConflictWhenMainDiverged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))
	_, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("a\n"))
	require.NoError(t, err)

	// A second workflow promotes first, moving main past wf-1's
	// branch point.
	require.NoError(t, s.OpenWorkflow(ctx, "wf-2"))
	_, err = s.Put(ctx, "wf-2", "t-001", "other.py", []byte("b\n"))
	require.NoError(t, err)
	require.NoError(t, s.Promote(ctx, "wf-2"))

	err = s.Promote(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrPromotionConflict)
}

func TestTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.OpenWorkflow(ctx, "wf-1"))
	_, err := s.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("x\n"))
	require.NoError(t, err)

	require.NoError(t, s.Tag(ctx, "wf-1", "candidate-1"))
	assert.Error(t, s.Tag(ctx, "wf-missing", "nope"))
}

func TestReadSurvivesRestart(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	root := t.TempDir()
	ctx := context.Background()

	s1, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s1.OpenWorkflow(ctx, "wf-1"))
	art, err := s1.Put(ctx, "wf-1", "t-001", "strategy.py", []byte("durable\n"))
	require.NoError(t, err)

	// Fresh store over the same repository has an empty index and
	// must rebuild it from git state.
	s2, err := Open(root)
	require.NoError(t, err)
	data, err := s2.Read(ctx, art.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "durable\n", string(data))
}

func TestReadUnknownArtifact(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
