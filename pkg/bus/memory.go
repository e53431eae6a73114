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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quantweave/quantweave/pkg/events"
)

// MemoryBusConfig configures the in-process transport.
type MemoryBusConfig struct {
	// LogPath is the append-only JSONL event log. Empty disables
	// durability (tests only); otherwise Publish returns after the line
	// is written and synced.
	LogPath string

	// VisibilityTimeout is how long a delivery may stay unacked before
	// redelivery (default 60s).
	VisibilityTimeout time.Duration

	// Retention is how long acked events are kept for replay (default
	// 30 days).
	Retention time.Duration

	// PublishRetry is the transport-write retry policy.
	PublishRetry RetryPolicy

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// memGroup holds one consumer group's cursor state. All fields are
// guarded by the bus mutex.
type memGroup struct {
	name     string
	types    map[events.Type]struct{}
	ch       chan Delivery
	pending  []uint64             // undelivered log indices, in order
	inflight map[uint64]time.Time // delivered, unacked: index -> deadline
	byWF     map[string]int       // in-flight count per workflow
	attempts map[uint64]int       // delivery count per index
	acked    map[uint64]struct{}
}

func (g *memGroup) matches(t events.Type) bool {
	_, ok := g.types[t]
	return ok
}

// MemoryBus is the in-process FIFO transport with a durable file log.
// FIFO ordering holds within a workflow: a group never sees event N+1 of
// a workflow while event N is still unacked.
type MemoryBus struct {
	cfg MemoryBusConfig

	mu      sync.Mutex
	log     []events.Event
	byIdx   map[uint64]int // log index -> slice position (survives compaction)
	nextIdx uint64
	wfSeq   map[string]uint64
	groups  map[string]*memGroup
	file    *os.File
	closed  bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	cron   *cron.Cron
	logger *zap.Logger
}

// NewMemoryBus opens (and if present, reloads) the file-backed in-process
// bus. Existing log entries become available to Replay; consumer groups
// created afterwards start at the tail.
func NewMemoryBus(cfg MemoryBusConfig) (*MemoryBus, error) {
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

	b := &MemoryBus{
		cfg:    cfg,
		byIdx:  make(map[uint64]int),
		wfSeq:  make(map[string]uint64),
		groups: make(map[string]*memGroup),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		logger: cfg.Logger.Named("bus"),
	}

	if cfg.LogPath != "" {
		if err := b.openLog(); err != nil {
			return nil, err
		}
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	// Hourly retention sweep.
	b.cron = cron.New()
	if _, err := b.cron.AddFunc("@hourly", b.sweepRetention); err != nil {
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}
	b.cron.Start()

	return b, nil
}

func (b *MemoryBus) openLog() error {
	if err := os.MkdirAll(filepath.Dir(b.cfg.LogPath), 0o755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}

	// Reload prior entries for replay.
	if raw, err := os.Open(b.cfg.LogPath); err == nil {
		scanner := bufio.NewScanner(raw)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var ev events.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				raw.Close()
				return fmt.Errorf("corrupt event log %s: %w", b.cfg.LogPath, err)
			}
			b.byIdx[b.nextIdx] = len(b.log)
			b.log = append(b.log, ev)
			b.nextIdx++
			if ev.Sequence > b.wfSeq[ev.WorkflowID] {
				b.wfSeq[ev.WorkflowID] = ev.Sequence
			}
		}
		raw.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("open event log: %w", err)
	}

	f, err := os.OpenFile(b.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log for append: %w", err)
	}
	b.file = f

	b.logger.Info("event log opened",
		zap.String("path", b.cfg.LogPath),
		zap.Int("entries", len(b.log)))
	return nil
}

// Publish durably enqueues ev and returns. The event's Sequence is
// assigned here, monotone per workflow.
func (b *MemoryBus) Publish(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := b.cfg.PublishRetry.Do(ctx, func() error {
		return b.append(ev)
	})
	if err != nil {
		b.logger.Error("publish retry budget exhausted",
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return nil
}

func (b *MemoryBus) append(ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Permanent(ErrClosed)
	}

	// Duplicate publish of the same event_id is a no-op; delivery is
	// at-least-once anyway and this keeps restart paths safe.
	for i := range b.log {
		if b.log[i].ID == ev.ID {
			return nil
		}
	}

	b.wfSeq[ev.WorkflowID]++
	ev.Sequence = b.wfSeq[ev.WorkflowID]

	if b.file != nil {
		line, err := json.Marshal(ev)
		if err != nil {
			return Permanent(fmt.Errorf("marshal event: %w", err))
		}
		if _, err := b.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append event log: %w", err)
		}
		if err := b.file.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}
	}

	idx := b.nextIdx
	b.nextIdx++
	b.byIdx[idx] = len(b.log)
	b.log = append(b.log, ev)

	for _, g := range b.groups {
		if g.matches(ev.Type) {
			g.pending = append(g.pending, idx)
		}
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers (or re-attaches to) a consumer group. The returned
// channel closes when ctx is cancelled or the bus closes. Re-subscribing
// with the same group name resumes its cursor state.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, eventTypes ...events.Type) (<-chan Delivery, error) {
	if group == "" {
		return nil, fmt.Errorf("subscribe: group name required")
	}
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("subscribe: at least one event type required")
	}
	for _, t := range eventTypes {
		if !events.Known(t) {
			return nil, fmt.Errorf("subscribe: unrecognized event type %q", t)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	g, ok := b.groups[group]
	if !ok {
		g = &memGroup{
			name:     group,
			types:    make(map[events.Type]struct{}, len(eventTypes)),
			inflight: make(map[uint64]time.Time),
			byWF:     make(map[string]int),
			attempts: make(map[uint64]int),
			acked:    make(map[uint64]struct{}),
		}
		for _, t := range eventTypes {
			g.types[t] = struct{}{}
		}
		b.groups[group] = g
	}
	g.ch = make(chan Delivery, 64)

	ch := g.ch
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stopCh:
		}
		b.mu.Lock()
		if g.ch == ch {
			g.ch = nil
		}
		b.mu.Unlock()
		close(ch)
	}()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return ch, nil
}

// dispatchLoop delivers pending entries and redelivers expired inflight
// ones, preserving per-workflow FIFO.
func (b *MemoryBus) dispatchLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.wake:
		case <-ticker.C:
		}
		b.dispatchOnce()
	}
}

func (b *MemoryBus) dispatchOnce() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for _, g := range b.groups {
		// Expired inflight entries go back to the head of pending;
		// later events of the same workflow are still held back by the
		// byWF guard, so order is preserved.
		for idx, deadline := range g.inflight {
			if now.After(deadline) {
				ev := b.eventAt(idx)
				delete(g.inflight, idx)
				if ev != nil {
					g.byWF[ev.WorkflowID]--
					g.pending = append([]uint64{idx}, g.pending...)
					b.logger.Warn("visibility timeout, redelivering",
						zap.String("group", g.name),
						zap.String("event_id", ev.ID),
						zap.Int("attempt", g.attempts[idx]))
				}
			}
		}

		if g.ch == nil {
			continue
		}

		remaining := g.pending[:0]
		for _, idx := range g.pending {
			ev := b.eventAt(idx)
			if ev == nil { // compacted away
				continue
			}
			if g.byWF[ev.WorkflowID] > 0 {
				remaining = append(remaining, idx)
				continue
			}

			g.attempts[idx]++
			delivered := *ev
			delivered.Attempt = g.attempts[idx]
			d := Delivery{
				Event: delivered,
				Ack:   b.ackFunc(g, idx, ev.WorkflowID),
				Nak:   b.nakFunc(g, idx, ev.WorkflowID),
			}
			select {
			case g.ch <- d:
				g.inflight[idx] = now.Add(b.cfg.VisibilityTimeout)
				g.byWF[ev.WorkflowID]++
			default:
				// Channel full; keep order, try again on next wake.
				remaining = append(remaining, idx)
			}
		}
		g.pending = append(remaining[:0:0], remaining...)
	}
}

func (b *MemoryBus) ackFunc(g *memGroup, idx uint64, workflowID string) func() error {
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := g.inflight[idx]; !ok {
			return nil // already acked or redelivered
		}
		delete(g.inflight, idx)
		g.byWF[workflowID]--
		g.acked[idx] = struct{}{}
		delete(g.attempts, idx)
		select {
		case b.wake <- struct{}{}:
		default:
		}
		return nil
	}
}

func (b *MemoryBus) nakFunc(g *memGroup, idx uint64, workflowID string) func() error {
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := g.inflight[idx]; !ok {
			return nil
		}
		delete(g.inflight, idx)
		g.byWF[workflowID]--
		g.pending = append([]uint64{idx}, g.pending...)
		select {
		case b.wake <- struct{}{}:
		default:
		}
		return nil
	}
}

// eventAt resolves a stable log index; nil if compacted.
func (b *MemoryBus) eventAt(idx uint64) *events.Event {
	pos, ok := b.byIdx[idx]
	if !ok {
		return nil
	}
	return &b.log[pos]
}

// Replay returns all recorded events for one workflow at or after from,
// in publish order.
func (b *MemoryBus) Replay(ctx context.Context, workflowID string, from time.Time) ([]events.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	var out []events.Event
	for i := range b.log {
		ev := b.log[i]
		if ev.WorkflowID != workflowID {
			continue
		}
		if !from.IsZero() && ev.Timestamp.Before(from) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Health reports per-group lag (pending + inflight).
func (b *MemoryBus) Health(ctx context.Context) (Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{Transport: "memory", Connected: !b.closed}
	for _, g := range b.groups {
		h.Groups = append(h.Groups, GroupHealth{
			Group:   g.name,
			Lag:     int64(len(g.pending) + len(g.inflight)),
			Pending: len(g.inflight),
		})
	}
	return h, nil
}

// sweepRetention drops entries past the retention horizon that every
// group has acked (or that no group ever matched), and compacts the file.
func (b *MemoryBus) sweepRetention() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	horizon := time.Now().Add(-b.cfg.Retention)
	kept := b.log[:0]
	keptIdx := make(map[uint64]int)
	removed := 0

	idxOf := make(map[int]uint64, len(b.byIdx))
	for idx, pos := range b.byIdx {
		idxOf[pos] = idx
	}

	for pos := range b.log {
		ev := b.log[pos]
		idx := idxOf[pos]
		drop := ev.Timestamp.Before(horizon) && b.ackedByAll(idx, ev.Type)
		if drop {
			removed++
			continue
		}
		keptIdx[idx] = len(kept)
		kept = append(kept, ev)
	}
	if removed == 0 {
		return
	}

	b.log = append(b.log[:0:0], kept...)
	b.byIdx = keptIdx

	if b.file != nil {
		if err := b.rewriteLog(); err != nil {
			b.logger.Error("event log compaction failed", zap.Error(err))
		}
	}
	b.logger.Info("retention sweep complete", zap.Int("removed", removed))
}

func (b *MemoryBus) ackedByAll(idx uint64, t events.Type) bool {
	for _, g := range b.groups {
		if !g.matches(t) {
			continue
		}
		if _, ok := g.acked[idx]; !ok {
			return false
		}
	}
	return true
}

func (b *MemoryBus) rewriteLog() error {
	tmp := b.cfg.LogPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for i := range b.log {
		line, err := json.Marshal(b.log[i])
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	if b.file != nil {
		b.file.Close()
	}
	if err := os.Rename(tmp, b.cfg.LogPath); err != nil {
		return err
	}
	b.file, err = os.OpenFile(b.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	return err
}

// Close stops dispatch and the retention sweeper and closes the log file.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cron.Stop()
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		err := b.file.Close()
		b.file = nil
		return err
	}
	return nil
}
