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

// Package gitstore is the content-addressed artifact store. Every
// workflow writes to its own branch ai/generated/{workflow_id};
// promotion fast-forwards main to the branch tip. Commits are built
// with plumbing commands (hash-object, mktree, commit-tree,
// update-ref) so a failed operation never leaves a partial state: the
// branch ref either moves to the complete new commit or stays put.
package gitstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/types"
)

// BranchPrefix is where workflow branches live.
const BranchPrefix = "ai/generated/"

var (
	// ErrPromotionConflict is returned when main has diverged from the
	// workflow branch point, so a fast-forward is impossible.
	ErrPromotionConflict = errors.New("gitstore: main has diverged from workflow branch point")

	// ErrArtifactNotFound is returned by Read for unknown artifact ids.
	ErrArtifactNotFound = errors.New("gitstore: artifact not found")

	// ErrWorkflowNotOpen is returned when an operation targets a
	// workflow whose branch does not exist.
	ErrWorkflowNotOpen = errors.New("gitstore: workflow branch does not exist")
)

// Store is a git-backed artifact store rooted at a single repository.
type Store struct {
	root   string
	logger *zap.Logger

	mu       sync.Mutex
	branches map[string]*sync.Mutex
	mainMu   sync.Mutex

	// index maps sha256 artifact ids to git blob shas. Blobs stay in
	// the object store even after a filename is rewritten, so every
	// committed version remains readable by id.
	idxMu sync.RWMutex
	index map[string]string
}

// Open opens the repository at root, initializing it (with an empty
// commit on main) when absent.
func Open(root string) (*Store, error) {
	s := &Store{
		root:     root,
		logger:   log.Named("gitstore"),
		branches: make(map[string]*sync.Mutex),
		index:    make(map[string]string),
	}

	if _, err := os.Stat(filepath.Join(root, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create store root: %w", err)
		}
		if _, err := s.git(context.Background(), "init", "--initial-branch=main"); err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
	}

	// Commits need an identity regardless of the host's git config.
	for _, kv := range [][2]string{{"user.name", "quantweave"}, {"user.email", "artifacts@quantweave.local"}} {
		if _, err := s.git(context.Background(), "config", kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("configure repository: %w", err)
		}
	}

	// Branches need a root commit to fork from.
	if _, err := s.git(context.Background(), "rev-parse", "--verify", "refs/heads/main"); err != nil {
		if _, err := s.git(context.Background(), "commit", "--allow-empty", "-m", "initialize artifact store"); err != nil {
			return nil, fmt.Errorf("create root commit: %w", err)
		}
	}
	return s, nil
}

// BranchName returns the branch a workflow's artifacts live on.
func BranchName(workflowID string) string {
	return BranchPrefix + workflowID
}

// OpenWorkflow creates the workflow branch off main. Idempotent.
func (s *Store) OpenWorkflow(ctx context.Context, workflowID string) error {
	lock := s.branchLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	branch := BranchName(workflowID)
	if s.branchExists(ctx, branch) {
		return nil
	}
	if _, err := s.git(ctx, "branch", branch, "main"); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	s.logger.Info("workflow branch created",
		zap.String("workflow_id", workflowID),
		zap.String("branch", branch))
	return nil
}

// Put writes filename with the given bytes on the workflow branch and
// commits it. Filenames may carry directory prefixes (codes/x.py,
// artifacts/wf-1/trades.csv); segments are validated against
// traversal. The returned artifact id is the sha256 of the content.
// Re-putting identical bytes under the same filename is a no-op that
// returns the same artifact.
func (s *Store) Put(ctx context.Context, workflowID, taskID, filename string, data []byte) (*types.Artifact, error) {
	if err := validPath(filename); err != nil {
		return nil, err
	}

	lock := s.branchLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	branch := BranchName(workflowID)
	parent, err := s.revParse(ctx, "refs/heads/"+branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotOpen, workflowID)
	}

	sum := sha256.Sum256(data)
	artifactID := hex.EncodeToString(sum[:])

	entries, err := s.treeEntries(ctx, parent)
	if err != nil {
		return nil, err
	}

	blob, err := s.gitStdin(ctx, data, "hash-object", "-w", "--stdin")
	if err != nil {
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if existing, ok := entries[filename]; ok && existing == blob {
		s.recordBlob(artifactID, blob)
		return s.artifact(workflowID, taskID, filename, artifactID, int64(len(data))), nil
	}
	entries[filename] = blob

	tree, err := s.mktree(ctx, entries)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("artifact: workflow=%s task=%s file=%s hash=sha256:%s", workflowID, taskID, filename, artifactID)
	commit, err := s.gitStdin(ctx, []byte(msg), "commit-tree", tree, "-p", parent, "-F", "-")
	if err != nil {
		return nil, fmt.Errorf("commit artifact: %w", err)
	}

	// Compare-and-swap on the old tip. Nothing moved if this fails.
	if _, err := s.git(ctx, "update-ref", "refs/heads/"+branch, commit, parent); err != nil {
		return nil, fmt.Errorf("advance branch %s: %w", branch, err)
	}

	s.recordBlob(artifactID, blob)
	s.logger.Debug("artifact committed",
		zap.String("workflow_id", workflowID),
		zap.String("task_id", taskID),
		zap.String("filename", filename),
		zap.String("artifact_id", artifactID))
	return s.artifact(workflowID, taskID, filename, artifactID, int64(len(data))), nil
}

// Tag adds an annotated tag at the workflow branch tip.
func (s *Store) Tag(ctx context.Context, workflowID, label string) error {
	lock := s.branchLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	branch := BranchName(workflowID)
	if !s.branchExists(ctx, branch) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotOpen, workflowID)
	}
	msg := fmt.Sprintf("workflow=%s label=%s", workflowID, label)
	if _, err := s.git(ctx, "tag", "-a", label, "-m", msg, branch); err != nil {
		return fmt.Errorf("tag %s: %w", label, err)
	}
	return nil
}

// Promote fast-forwards main to the workflow branch tip. If main has
// moved past the branch point the promotion fails with
// ErrPromotionConflict; there is no auto-rebase.
func (s *Store) Promote(ctx context.Context, workflowID string) error {
	lock := s.branchLock(workflowID)
	lock.Lock()
	defer lock.Unlock()
	s.mainMu.Lock()
	defer s.mainMu.Unlock()

	branch := BranchName(workflowID)
	tip, err := s.revParse(ctx, "refs/heads/"+branch)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotOpen, workflowID)
	}
	mainTip, err := s.revParse(ctx, "refs/heads/main")
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}

	base, err := s.git(ctx, "merge-base", "refs/heads/main", "refs/heads/"+branch)
	if err != nil {
		return fmt.Errorf("merge-base: %w", err)
	}
	if strings.TrimSpace(base) != mainTip {
		return fmt.Errorf("%w: workflow %s", ErrPromotionConflict, workflowID)
	}

	if _, err := s.git(ctx, "update-ref", "refs/heads/main", tip, mainTip); err != nil {
		return fmt.Errorf("fast-forward main: %w", err)
	}
	s.logger.Info("workflow promoted",
		zap.String("workflow_id", workflowID),
		zap.String("main_tip", tip))
	return nil
}

// Read returns the bytes of an artifact by id. The index is rebuilt
// from the repository's object store when the id is unknown, so reads
// survive process restarts and cover superseded versions.
func (s *Store) Read(ctx context.Context, artifactID string) ([]byte, error) {
	if blob, ok := s.lookup(artifactID); ok {
		data, err := s.catBlob(ctx, blob)
		if err == nil {
			return data, nil
		}
	}
	if err := s.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	blob, ok := s.lookup(artifactID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}
	return s.catBlob(ctx, blob)
}

// List enumerates the artifacts on a workflow branch.
func (s *Store) List(ctx context.Context, workflowID string) ([]*types.Artifact, error) {
	branch := BranchName(workflowID)
	tip, err := s.revParse(ctx, "refs/heads/"+branch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotOpen, workflowID)
	}
	entries, err := s.treeEntries(ctx, tip)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Artifact, 0, len(entries))
	for filename, blob := range entries {
		data, err := s.catBlob(ctx, blob)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		id := hex.EncodeToString(sum[:])
		s.recordBlob(id, blob)
		out = append(out, s.artifact(workflowID, "", filename, id, int64(len(data))))
	}
	sortArtifacts(out)
	return out, nil
}

// Branches lists all open workflow ids.
func (s *Store) Branches(ctx context.Context) ([]string, error) {
	raw, err := s.git(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+BranchPrefix)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		out = append(out, strings.TrimPrefix(line, BranchPrefix))
	}
	return out, nil
}

func (s *Store) artifact(workflowID, taskID, filename, id string, size int64) *types.Artifact {
	return &types.Artifact{
		ArtifactID:  id,
		WorkflowID:  workflowID,
		TaskID:      taskID,
		Filename:    filename,
		Filepath:    BranchName(workflowID) + ":" + filename,
		ContentHash: id,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
		Kind:        types.KindForFilename(filename),
	}
}

func (s *Store) branchLock(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.branches[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		s.branches[workflowID] = lock
	}
	return lock
}

func (s *Store) branchExists(ctx context.Context, branch string) bool {
	_, err := s.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (s *Store) revParse(ctx context.Context, ref string) (string, error) {
	out, err := s.git(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// treeEntries returns path -> blob sha for a commit's tree, descending
// into subdirectories.
func (s *Store) treeEntries(ctx context.Context, commit string) (map[string]string, error) {
	raw, err := s.git(ctx, "ls-tree", "-r", commit)
	if err != nil {
		return nil, fmt.Errorf("ls-tree %s: %w", commit, err)
	}
	entries := make(map[string]string)
	for _, line := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		if line == "" {
			continue
		}
		// <mode> SP <type> SP <sha> TAB <name>
		meta, name, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		entries[name] = fields[2]
	}
	return entries, nil
}

// mktree builds the tree object for path -> blob entries, recursing
// into one subtree per directory prefix. git mktree normalizes entry
// order, so the map iteration order does not matter.
func (s *Store) mktree(ctx context.Context, entries map[string]string) (string, error) {
	blobs := make(map[string]string)
	subdirs := make(map[string]map[string]string)
	for p, sha := range entries {
		dir, rest, nested := strings.Cut(p, "/")
		if !nested {
			blobs[p] = sha
			continue
		}
		if subdirs[dir] == nil {
			subdirs[dir] = make(map[string]string)
		}
		subdirs[dir][rest] = sha
	}

	var buf bytes.Buffer
	for name, sha := range blobs {
		fmt.Fprintf(&buf, "100644 blob %s\t%s\n", sha, name)
	}
	for dir, sub := range subdirs {
		tree, err := s.mktree(ctx, sub)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, "040000 tree %s\t%s\n", tree, dir)
	}
	tree, err := s.gitStdin(ctx, buf.Bytes(), "mktree")
	if err != nil {
		return "", fmt.Errorf("mktree: %w", err)
	}
	return tree, nil
}

func (s *Store) catBlob(ctx context.Context, blob string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "cat-file", "blob", blob)
	cmd.Dir = s.root
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blob, err)
	}
	return out, nil
}

func (s *Store) lookup(artifactID string) (string, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	blob, ok := s.index[artifactID]
	return blob, ok
}

func (s *Store) recordBlob(artifactID, blob string) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.index[artifactID] = blob
}

// rebuildIndex rehashes every blob in the object store.
func (s *Store) rebuildIndex(ctx context.Context) error {
	raw, err := s.git(ctx, "cat-file", "--batch-all-objects", "--batch-check=%(objecttype) %(objectname)")
	if err != nil {
		return fmt.Errorf("enumerate objects: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		typ, sha, ok := strings.Cut(line, " ")
		if !ok || typ != "blob" {
			continue
		}
		data, err := s.catBlob(ctx, sha)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		s.recordBlob(hex.EncodeToString(sum[:]), sha)
	}
	return nil
}

// git runs a git command in the repository and returns combined output.
func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (s *Store) gitStdin(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.root
	cmd.Stdin = bytes.NewReader(stdin)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// validPath accepts slash-separated relative paths whose segments are
// all safe names.
func validPath(p string) error {
	if p == "" {
		return fmt.Errorf("gitstore: path is empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("gitstore: path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("gitstore: path %q contains an unsafe segment", p)
		}
	}
	return nil
}

func sortArtifacts(arts []*types.Artifact) {
	sort.Slice(arts, func(i, j int) bool { return arts[i].Filename < arts[j].Filename })
}
