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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quantweave/quantweave/pkg/orchestrator"
	"github.com/quantweave/quantweave/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow_id>",
	Short: "Print a workflow summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.orch.State(ctx, args[0])
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), state)

	if health, herr := a.bus.Health(ctx); herr == nil {
		for _, g := range health.Groups {
			if g.Lag > 0 || g.Pending > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "bus group %s: lag=%d pending=%d\n", g.Group, g.Lag, g.Pending)
			}
		}
	}

	if state.Status == types.WorkflowFailed {
		return withCode(exitFailed, fmt.Errorf("workflow %s failed", state.WorkflowID))
	}
	return nil
}

func printState(w io.Writer, state orchestrator.State) {
	fmt.Fprintf(w, "workflow %s: %s\n", state.WorkflowID, state.Status)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tROLE\tSTATUS\tATTEMPTS")
	for _, t := range state.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", t.ID, t.Role, t.Status, t.Attempts)
	}
	tw.Flush()

	for task, m := range state.Metrics {
		fmt.Fprintf(w, "metrics %s: win_rate=%.2f trades=%d sharpe=%.2f max_drawdown=%.2f\n",
			task, m.WinRate, m.TotalTrades, m.Sharpe, m.MaxDrawdown)
	}
	for _, f := range state.Failures {
		fmt.Fprintf(w, "failure [%s] %s\n", f.Kind, f.Message)
	}
}
