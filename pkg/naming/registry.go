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
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one indexed artifact name plus its lineage metadata.
type Entry struct {
	Filename   string
	WorkflowID string
	TaskID     string
	ArtifactID string
	Kind       string
	CreatedAt  time.Time
}

// Registry indexes issued names for lineage queries.
type Registry struct {
	db *sql.DB
	mu sync.RWMutex
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS names (
	filename    TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	wf_short    TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_names_workflow ON names(workflow_id);
CREATE INDEX IF NOT EXISTS idx_names_task ON names(workflow_id, task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_names_created ON names(created_at);
`

// OpenRegistry opens (or creates) the registry database at dbPath.
func OpenRegistry(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Record indexes an issued name. Re-recording the same filename
// updates the row, which keeps replays idempotent.
func (r *Registry) Record(ctx context.Context, workflowID, artifactID, kind string, name Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO names (filename, workflow_id, wf_short, task_id, artifact_id, kind, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			artifact_id = excluded.artifact_id,
			kind = excluded.kind`,
		name.Filename(), workflowID, name.WorkflowShort, name.TaskID,
		artifactID, kind, name.Desc, name.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record name %s: %w", name.Filename(), err)
	}
	return nil
}

// ByWorkflow returns all names issued under a workflow, oldest first.
func (r *Registry) ByWorkflow(ctx context.Context, workflowID string) ([]Entry, error) {
	return r.query(ctx, `workflow_id = ?`, "created_at ASC, filename ASC", workflowID)
}

// ByTask returns all names issued for one task, oldest first.
func (r *Registry) ByTask(ctx context.Context, workflowID, taskID string) ([]Entry, error) {
	return r.query(ctx, `workflow_id = ? AND task_id = ?`, "created_at ASC, filename ASC", workflowID, taskID)
}

// ByDateRange returns names created in [from, to), oldest first.
func (r *Registry) ByDateRange(ctx context.Context, from, to time.Time) ([]Entry, error) {
	return r.query(ctx, `created_at >= ? AND created_at < ?`, "created_at ASC, filename ASC",
		from.UTC().Unix(), to.UTC().Unix())
}

// ByDescription returns names whose description contains the given
// substring, newest first.
func (r *Registry) ByDescription(ctx context.Context, substr string) ([]Entry, error) {
	pattern := "%" + strings.ToLower(substr) + "%"
	return r.query(ctx, `description LIKE ?`, "created_at DESC, filename DESC", pattern)
}

// LatestPerTask returns the newest name for each task in a workflow.
func (r *Registry) LatestPerTask(ctx context.Context, workflowID string) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT filename, workflow_id, task_id, artifact_id, kind, created_at
		FROM names n
		WHERE workflow_id = ?
		  AND created_at = (
			SELECT MAX(created_at) FROM names
			WHERE workflow_id = n.workflow_id AND task_id = n.task_id
		  )
		ORDER BY task_id ASC, filename ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query latest per task: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close closes the registry database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) query(ctx context.Context, where, order string, args ...interface{}) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := fmt.Sprintf(`
		SELECT filename, workflow_id, task_id, artifact_id, kind, created_at
		FROM names WHERE %s ORDER BY %s`, where, order)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Filename, &e.WorkflowID, &e.TaskID, &e.ArtifactID, &e.Kind, &created); err != nil {
			return nil, fmt.Errorf("scan name row: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
