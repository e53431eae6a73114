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

// Package naming generates and parses the canonical artifact filename
// form YYYYMMDD_HHMMSS_{wf12}_{task}_{desc}.{ext} and maintains a
// SQLite index over issued names for lineage queries.
package naming

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// WorkflowPrefixLen is the fixed length of the workflow short id
// embedded in filenames.
const WorkflowPrefixLen = 12

// DescMaxWords caps the snake_case description at six words.
const DescMaxWords = 6

const timeLayout = "20060102_150405"

// Name is the parsed form of a generated filename.
type Name struct {
	CreatedAt     time.Time
	WorkflowShort string
	TaskID        string
	Desc          string
	Ext           string
}

// Filename renders the canonical string form.
func (n Name) Filename() string {
	return fmt.Sprintf("%s_%s_%s_%s.%s",
		n.CreatedAt.UTC().Format(timeLayout), n.WorkflowShort, n.TaskID, n.Desc, n.Ext)
}

var (
	nonSnake   = regexp.MustCompile(`[^a-z0-9]+`)
	taskIDForm = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	nameForm   = regexp.MustCompile(`^(\d{8})_(\d{6})_([a-z0-9]{12})_([a-z0-9-]+)_([a-z0-9_]+)\.([A-Za-z0-9]+)$`)
)

// WorkflowShort returns the deterministic 12-char prefix used for a
// workflow id inside filenames. Hyphens are stripped first so UUID
// workflow ids keep 12 significant characters.
func WorkflowShort(workflowID string) string {
	s := strings.ToLower(strings.ReplaceAll(workflowID, "-", ""))
	if len(s) > WorkflowPrefixLen {
		s = s[:WorkflowPrefixLen]
	}
	return s
}

// SnakeDesc normalizes a free-form description into at most six
// snake_case words.
func SnakeDesc(desc string) string {
	s := nonSnake.ReplaceAllString(strings.ToLower(desc), "_")
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' })
	if len(words) > DescMaxWords {
		words = words[:DescMaxWords]
	}
	if len(words) == 0 {
		return "artifact"
	}
	return strings.Join(words, "_")
}

// Generate builds a canonical filename. ts is the artifact's logical
// creation instant, never a file mtime.
func Generate(ts time.Time, workflowID, taskID, desc, ext string) (Name, error) {
	if workflowID == "" {
		return Name{}, fmt.Errorf("naming: workflow id is empty")
	}
	taskID = strings.ToLower(taskID)
	if !taskIDForm.MatchString(taskID) {
		return Name{}, fmt.Errorf("naming: task id %q is not lowercase alphanumeric", taskID)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return Name{}, fmt.Errorf("naming: extension is empty")
	}

	n := Name{
		CreatedAt:     ts.UTC().Truncate(time.Second),
		WorkflowShort: WorkflowShort(workflowID),
		TaskID:        taskID,
		Desc:          SnakeDesc(desc),
		Ext:           ext,
	}
	if len(n.WorkflowShort) != WorkflowPrefixLen {
		return Name{}, fmt.Errorf("naming: workflow id %q yields short prefix %q, need %d chars", workflowID, n.WorkflowShort, WorkflowPrefixLen)
	}
	return n, nil
}

// Parse inverts Generate.
func Parse(filename string) (Name, error) {
	m := nameForm.FindStringSubmatch(filename)
	if m == nil {
		return Name{}, fmt.Errorf("naming: %q does not match canonical form", filename)
	}
	ts, err := time.Parse(timeLayout, m[1]+"_"+m[2])
	if err != nil {
		return Name{}, fmt.Errorf("naming: %q has invalid timestamp: %w", filename, err)
	}
	return Name{
		CreatedAt:     ts.UTC(),
		WorkflowShort: m[3],
		TaskID:        m[4],
		Desc:          m[5],
		Ext:           strings.ToLower(m[6]),
	}, nil
}
