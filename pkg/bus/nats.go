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
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/pkg/events"
)

const (
	// natsStreamName is the JetStream stream holding all quantweave events.
	natsStreamName = "QW_EVENTS"

	// natsSubjectPrefix is the subject root; full subjects are
	// qw.events.<event_type>.<workflow_id>.
	natsSubjectPrefix = "qw.events"
)

// NATSBusConfig configures the broker transport.
type NATSBusConfig struct {
	// URL is the NATS endpoint (BUS_URL).
	URL string

	// VisibilityTimeout maps to the consumer AckWait (default 60s).
	VisibilityTimeout time.Duration

	// Retention maps to the stream MaxAge (default 30 days).
	Retention time.Duration

	// PublishRetry is the transport retry policy.
	PublishRetry RetryPolicy

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// NATSBus is the JetStream-backed transport for multi-process runs.
// Each consumer group is a durable AckExplicit consumer drained with a
// one-message fetch loop, which keeps per-workflow delivery in order.
type NATSBus struct {
	cfg    NATSBusConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]jetstream.Consumer
	closed bool
}

// NewNATSBus connects and ensures the event stream exists.
func NewNATSBus(ctx context.Context, cfg NATSBusConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats bus: URL required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.PublishRetry.BaseBackoff == 0 {
		cfg.PublishRetry = DefaultPublishRetry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{natsSubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.Retention,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", natsStreamName, err)
	}

	b := &NATSBus{
		cfg:    cfg,
		nc:     nc,
		js:     js,
		stream: stream,
		logger: cfg.Logger.Named("bus.nats"),
		groups: make(map[string]jetstream.Consumer),
	}
	b.logger.Info("connected", zap.String("url", cfg.URL))
	return b, nil
}

func subjectFor(t events.Type, workflowID string) string {
	return fmt.Sprintf("%s.%s.%s", natsSubjectPrefix, t, workflowID)
}

// Publish writes the event to the stream, retrying transport loss.
func (b *NATSBus) Publish(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	subject := subjectFor(ev.Type, ev.WorkflowID)
	err = b.cfg.PublishRetry.Do(ctx, func() error {
		// Msg-ID dedupe makes duplicate publishes of one event_id a no-op.
		_, perr := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID))
		return perr
	})
	if err != nil {
		b.logger.Error("publish failed after retries",
			zap.String("event_id", ev.ID),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe creates (or resumes) a durable consumer for the group and
// drains it one message at a time into the returned channel.
func (b *NATSBus) Subscribe(ctx context.Context, group string, eventTypes ...events.Type) (<-chan Delivery, error) {
	if group == "" {
		return nil, fmt.Errorf("subscribe: group name required")
	}
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("subscribe: at least one event type required")
	}

	filters := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		if !events.Known(t) {
			return nil, fmt.Errorf("subscribe: unrecognized event type %q", t)
		}
		filters = append(filters, fmt.Sprintf("%s.%s.*", natsSubjectPrefix, t))
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        sanitizeDurable(group),
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        b.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", group, err)
	}

	b.mu.Lock()
	b.groups[group] = consumer
	b.mu.Unlock()

	ch := make(chan Delivery, 1)
	go b.fetchLoop(ctx, group, consumer, ch)
	return ch, nil
}

// fetchLoop pulls one message at a time so redelivery cannot reorder a
// workflow's events within the group.
func (b *NATSBus) fetchLoop(ctx context.Context, group string, consumer jetstream.Consumer, ch chan<- Delivery) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error",
				zap.String("group", group), zap.Error(err))
			continue
		}

		for msg := range msgs.Messages() {
			d, err := b.toDelivery(msg)
			if err != nil {
				b.logger.Error("dropping undecodable message",
					zap.String("group", group), zap.Error(err))
				_ = msg.Term()
				continue
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				_ = msg.Nak()
				return
			}
		}
	}
}

func (b *NATSBus) toDelivery(msg jetstream.Msg) (Delivery, error) {
	var ev events.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return Delivery{}, fmt.Errorf("decode event: %w", err)
	}
	if meta, err := msg.Metadata(); err == nil {
		ev.Sequence = meta.Sequence.Stream
		ev.Attempt = int(meta.NumDelivered)
	}
	return Delivery{
		Event: ev,
		Ack:   msg.Ack,
		Nak:   msg.Nak,
	}, nil
}

// Replay reads the finite recorded sequence for one workflow using an
// ordered ephemeral consumer over the workflow's subjects.
func (b *NATSBus) Replay(ctx context.Context, workflowID string, from time.Time) ([]events.Event, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{fmt.Sprintf("%s.*.%s", natsSubjectPrefix, workflowID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if !from.IsZero() {
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &from
	}

	consumer, err := b.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("replay consumer: %w", err)
	}

	var out []events.Event
	for {
		msgs, err := consumer.FetchNoWait(256)
		if err != nil {
			return nil, fmt.Errorf("replay fetch: %w", err)
		}
		n := 0
		for msg := range msgs.Messages() {
			var ev events.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				return nil, fmt.Errorf("replay decode: %w", err)
			}
			if meta, merr := msg.Metadata(); merr == nil {
				ev.Sequence = meta.Sequence.Stream
			}
			out = append(out, ev)
			n++
		}
		if msgs.Error() != nil {
			return nil, fmt.Errorf("replay batch: %w", msgs.Error())
		}
		if n == 0 {
			return out, nil
		}
	}
}

// Health reports connectivity and per-group lag from consumer info.
func (b *NATSBus) Health(ctx context.Context) (Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{Transport: "nats", Connected: b.nc != nil && b.nc.IsConnected()}
	for name, consumer := range b.groups {
		info, err := consumer.Info(ctx)
		if err != nil {
			h.Groups = append(h.Groups, GroupHealth{Group: name, Lag: -1})
			continue
		}
		h.Groups = append(h.Groups, GroupHealth{
			Group:   name,
			Lag:     int64(info.NumPending) + int64(info.NumAckPending),
			Pending: info.NumAckPending,
		})
	}
	return h, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.nc.Close()
	return nil
}

// sanitizeDurable maps a group name onto the JetStream durable-name
// charset (no dots, spaces, or wildcards).
func sanitizeDurable(group string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "/", "_")
	return r.Replace(group)
}
