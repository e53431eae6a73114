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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/orchestrator"
	"github.com/quantweave/quantweave/pkg/router"
	"github.com/quantweave/quantweave/pkg/sandbox"
	"github.com/quantweave/quantweave/pkg/types"
)

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, exitInvalid, exitCode(withCode(exitInvalid, assert.AnError)))
	assert.Equal(t, exitInfra, exitCode(fmt.Errorf("publish: %w", bus.ErrBusUnavailable)))
	assert.Equal(t, exitInfra, exitCode(fmt.Errorf("llm: %w", router.ErrAllKeysExhausted)))
	assert.Equal(t, exitInfra, exitCode(fmt.Errorf("run: %w", sandbox.ErrTesterUnavailable)))
	assert.Equal(t, exitFailed, exitCode(fmt.Errorf("lookup: %w", orchestrator.ErrUnknownWorkflow)))
	assert.Equal(t, exitFailed, exitCode(assert.AnError))
}

func TestCodedErrorUnwraps(t *testing.T) {
	err := withCode(exitInfra, fmt.Errorf("open: %w", bus.ErrBusUnavailable))
	assert.ErrorIs(t, err, bus.ErrBusUnavailable)
	assert.Equal(t, exitInfra, exitCode(err))
}

func TestNewWorkflowIDShape(t *testing.T) {
	id := newWorkflowID()
	assert.True(t, strings.HasPrefix(id, "wf-"))
	assert.Len(t, id, len("wf-")+8)
	assert.NotEqual(t, id, newWorkflowID())
}

func TestPrintStateIncludesFailureTail(t *testing.T) {
	var sb strings.Builder
	printState(&sb, orchestrator.State{
		WorkflowID: "wf-1",
		Status:     types.WorkflowFailed,
		Tasks: []orchestrator.TaskState{
			{ID: "data", Role: types.RoleCoder, Status: types.TaskPassed, Attempts: 1},
			{ID: "entry", Role: types.RoleCoder, Status: types.TaskFailed, Attempts: 3},
		},
		Failures: []types.FailureRecord{{Kind: types.FailTest, Message: "entry bounds violated"}},
	})

	out := sb.String()
	assert.Contains(t, out, "workflow wf-1: failed")
	assert.Contains(t, out, "entry")
	assert.Contains(t, out, "entry bounds violated")
}
