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

// Package bus provides the typed pub/sub event transport. Two transports
// implement the same contract: an in-process FIFO with a durable file log
// (single-binary runs and tests) and a NATS JetStream broker (multi-process
// runs). Delivery is at-least-once; consumers must be idempotent on
// event_id. Ordering is FIFO within a workflow_id only.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/quantweave/quantweave/pkg/events"
)

// ErrBusUnavailable is surfaced after the publish retry budget is spent.
var ErrBusUnavailable = errors.New("bus unavailable")

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// DefaultVisibilityTimeout is how long a delivered event may stay unacked
// before it is redelivered.
const DefaultVisibilityTimeout = 60 * time.Second

// DefaultRetention is how long acked events are retained for replay.
const DefaultRetention = 30 * 24 * time.Hour

// Delivery is one event handed to a consumer group, with its ack handle.
// Ack removes the event from the group's pending set; Nak requests
// immediate redelivery. An unacked delivery is redelivered after the
// visibility timeout regardless.
type Delivery struct {
	Event events.Event

	Ack func() error
	Nak func() error
}

// GroupHealth is the per-consumer-group view in the health probe.
type GroupHealth struct {
	Group   string `json:"group"`
	Lag     int64  `json:"lag"`
	Pending int    `json:"pending"`
}

// Health is the bus health probe result.
type Health struct {
	Transport string        `json:"transport"`
	Connected bool          `json:"connected"`
	Groups    []GroupHealth `json:"groups"`
}

// Bus is the typed pub/sub contract.
//
// Publish returns only after the event is durably enqueued; transport loss
// is retried per the publish retry policy and then surfaced as
// ErrBusUnavailable. Subscribe yields a lazy, restartable stream for a
// named consumer group filtered by event types. Replay returns the finite
// recorded sequence for one workflow, for recovery and audit.
type Bus interface {
	Publish(ctx context.Context, ev events.Event) error
	Subscribe(ctx context.Context, group string, eventTypes ...events.Type) (<-chan Delivery, error)
	Replay(ctx context.Context, workflowID string, from time.Time) ([]events.Event, error)
	Health(ctx context.Context) (Health, error)
	Close() error
}
