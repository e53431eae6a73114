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
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quantweave/quantweave/pkg/types"
)

// ParseTodoList decodes and validates a plan document.
func ParseTodoList(data []byte) (*types.TodoList, error) {
	var list types.TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode todo list: %w", err)
	}
	if err := ValidateTodoList(&list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ValidateTodoList checks the plan's shape: identifiers present, roles
// recognized, dependencies resolvable, acceptance criteria usable, and
// the dependency graph acyclic.
func ValidateTodoList(list *types.TodoList) error {
	if list.TodoListID == "" {
		return fmt.Errorf("todo list missing todo_list_id")
	}
	if list.WorkflowID == "" {
		return fmt.Errorf("todo list %s missing workflow_id", list.TodoListID)
	}
	if len(list.Items) == 0 {
		return fmt.Errorf("todo list %s has no tasks", list.TodoListID)
	}

	byID := make(map[string]*types.Task, len(list.Items))
	for i := range list.Items {
		t := &list.Items[i]
		if t.ID == "" {
			return fmt.Errorf("todo list %s: task %d missing id", list.TodoListID, i)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}

	for i := range list.Items {
		t := &list.Items[i]
		if !types.ValidRole(t.Role) {
			return fmt.Errorf("task %s: unrecognized agent_role %q", t.ID, t.Role)
		}
		if t.Priority < 0 {
			return fmt.Errorf("task %s: negative priority", t.ID)
		}
		if t.MaxAttempts < 0 {
			return fmt.Errorf("task %s: negative max_attempts", t.ID)
		}
		if t.Role == types.RoleCoder && len(t.AcceptanceCriteria.Tests) == 0 {
			return fmt.Errorf("task %s: coder task has no acceptance tests", t.ID)
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}

	return checkAcyclic(list)
}

// checkAcyclic runs Kahn's algorithm over DependsOn edges.
func checkAcyclic(list *types.TodoList) error {
	indegree := make(map[string]int, len(list.Items))
	dependents := make(map[string][]string, len(list.Items))
	for i := range list.Items {
		t := &list.Items[i]
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := make([]string, 0, len(indegree))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(list.Items) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		return fmt.Errorf("dependency cycle involving tasks: %s", strings.Join(stuck, ", "))
	}
	return nil
}

// SaveTodoList persists the plan as JSON under dir, named by workflow.
func SaveTodoList(dir string, list *types.TodoList) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create todo dir: %w", err)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode todo list: %w", err)
	}
	path := filepath.Join(dir, list.WorkflowID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write todo list: %w", err)
	}
	return nil
}

// LoadTodoList reads a persisted plan back by workflow id.
func LoadTodoList(dir, workflowID string) (*types.TodoList, error) {
	data, err := os.ReadFile(filepath.Join(dir, workflowID+".json"))
	if err != nil {
		return nil, fmt.Errorf("read todo list for %s: %w", workflowID, err)
	}
	return ParseTodoList(data)
}

// ListWorkflows returns the workflow ids with a persisted plan.
func ListWorkflows(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list todo dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}
