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

	"github.com/spf13/cobra"

	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/orchestrator"
	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/sandbox"
)

// Exit codes reported to the shell.
const (
	exitOK      = 0
	exitFailed  = 1 // workflow failed, or unknown workflow
	exitInvalid = 2 // validation error in user input or configuration
	exitInfra   = 3 // bus, sandbox, or other infrastructure unavailable
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "quantweave",
	Short: "Multi-agent trading strategy pipeline",
	Long: `Quantweave orchestrates planner, architect, coder, tester, and
debugger agents that turn a natural-language strategy request into a
sandbox-validated Python trading strategy, with every artifact versioned
in a git-backed store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", ".",
		"directory holding quantweave.yaml")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(keysCmd)
}

// codedError pins a specific exit code onto an error.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// exitCode maps an error to the shell exit code. Explicit codes win;
// otherwise infra sentinels map to 3 and everything else to 1.
func exitCode(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, bus.ErrBusUnavailable),
		errors.Is(err, router.ErrAllKeysExhausted),
		errors.Is(err, sandbox.ErrTesterUnavailable):
		return exitInfra
	case errors.Is(err, orchestrator.ErrUnknownWorkflow):
		return exitFailed
	default:
		return exitFailed
	}
}
