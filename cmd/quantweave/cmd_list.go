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
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listArtifactsOf string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate workflows, or one workflow's artifact catalog",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listArtifactsOf, "artifacts", "", "list the artifact catalog of a workflow")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if listArtifactsOf != "" {
		entries, err := a.registry.ByWorkflow(ctx, listArtifactsOf)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tTASK\tKIND\tFILENAME\tARTIFACT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.UTC().Format(time.RFC3339), e.TaskID, e.Kind, e.Filename, e.ArtifactID)
		}
		return tw.Flush()
	}

	ids, err := a.orch.Workflows()
	if err != nil {
		return err
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
