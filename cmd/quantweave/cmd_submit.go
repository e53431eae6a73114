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
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quantweave/quantweave/pkg/agent"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/orchestrator"
	"github.com/quantweave/quantweave/pkg/types"
)

var submitPlanFile string

var submitCmd = &cobra.Command{
	Use:   `submit "<request>"`,
	Short: "Plan a strategy request and submit the workflow",
	Long: `Submit turns a natural-language strategy request into a task plan via
the planner and hands it to the orchestrator. With --plan, a TodoList
JSON file is submitted as-is and no LLM call is made.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitPlanFile, "plan", "", "submit a TodoList JSON file instead of planning")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var list *types.TodoList
	switch {
	case submitPlanFile != "":
		data, rerr := os.ReadFile(submitPlanFile)
		if rerr != nil {
			return withCode(exitInvalid, rerr)
		}
		list, err = orchestrator.ParseTodoList(data)
		if err != nil {
			return withCode(exitInvalid, err)
		}
		if list.WorkflowID == "" {
			list.WorkflowID = newWorkflowID()
		}
	case len(args) == 1 && args[0] != "":
		rtr, rerr := a.newRouter(ctx)
		if rerr != nil {
			return rerr
		}
		workflowID := newWorkflowID()
		llm := llmCompleter{router: rtr, workflowID: workflowID, workload: types.WorkloadHeavy}
		list, err = agent.NewPlanner().Plan(ctx, llm, workflowID, args[0])
		if err != nil {
			return fmt.Errorf("planning failed: %w", err)
		}
	default:
		return withCode(exitInvalid, errors.New("a strategy request or --plan file is required"))
	}

	if err := orchestrator.ValidateTodoList(list); err != nil {
		return withCode(exitInvalid, err)
	}
	if err := a.orch.Submit(ctx, list); err != nil {
		if errors.Is(err, bus.ErrBusUnavailable) {
			return err
		}
		return withCode(exitInvalid, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), list.WorkflowID)
	return nil
}

func newWorkflowID() string {
	return "wf-" + uuid.NewString()[:8]
}
