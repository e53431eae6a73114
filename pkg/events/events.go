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

// Package events defines the immutable event envelope and the typed
// payloads carried on the message bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantweave/quantweave/pkg/types"
)

// Type enumerates the recognized event types.
type Type string

const (
	TypeTodoListCreated       Type = "TODO_LIST_CREATED"
	TypeTaskDispatched        Type = "TASK_DISPATCHED"
	TypeTaskStarted           Type = "TASK_STARTED"
	TypeTaskCompleted         Type = "TASK_COMPLETED"
	TypeTestStarted           Type = "TEST_STARTED"
	TypeTestPassed            Type = "TEST_PASSED"
	TypeTestFailed            Type = "TEST_FAILED"
	TypeBranchTodoRequest     Type = "BRANCH_TODO_REQUEST"
	TypeWorkflowBranchCreated Type = "WORKFLOW_BRANCH_CREATED"
	TypeWorkflowSucceeded     Type = "WORKFLOW_SUCCEEDED"
	TypeWorkflowFailed        Type = "WORKFLOW_FAILED"
	TypeTaskCancelled         Type = "TASK_CANCELLED"

	// TypeLLMRetry is an observability event emitted by the router when a
	// request is retried on another key or a heavier model tier.
	TypeLLMRetry Type = "LLM_RETRY"
)

// knownTypes is the closed set accepted by Validate and Subscribe.
var knownTypes = map[Type]struct{}{
	TypeTodoListCreated: {}, TypeTaskDispatched: {}, TypeTaskStarted: {},
	TypeTaskCompleted: {}, TypeTestStarted: {}, TypeTestPassed: {},
	TypeTestFailed: {}, TypeBranchTodoRequest: {}, TypeWorkflowBranchCreated: {},
	TypeWorkflowSucceeded: {}, TypeWorkflowFailed: {}, TypeTaskCancelled: {},
	TypeLLMRetry: {},
}

// Known reports whether t is a recognized event type.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is an immutable message on the bus. (workflow_id, event_id) is
// globally unique; Sequence is assigned by the bus and is monotone within
// a workflow.
type Event struct {
	ID            string          `json:"event_id"`
	Type          Type            `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	WorkflowID    string          `json:"workflow_id"`
	TaskID        string          `json:"task_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      uint64          `json:"sequence,omitempty"`
	Source        types.AgentRole `json:"source"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an event envelope with a fresh ID and the current wall time.
// The correlation ID equals the workflow ID.
func New(t Type, workflowID string, source types.AgentRole, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		CorrelationID: workflowID,
		WorkflowID:    workflowID,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Attempt:       1,
		Payload:       raw,
	}, nil
}

// Validate checks the envelope invariants every delivered event must hold.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event missing event_id")
	}
	if !Known(e.Type) {
		return fmt.Errorf("unrecognized event type %q", e.Type)
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("event %s missing workflow_id", e.ID)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("event %s missing correlation_id", e.ID)
	}
	if e.Source == "" {
		return fmt.Errorf("event %s missing source", e.ID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %s missing timestamp", e.ID)
	}
	return nil
}

// Decode unmarshals the payload into the given struct.
func (e *Event) Decode(into interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s (%s) has no payload", e.ID, e.Type)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
