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

// Package router selects an API key for each LLM call, enforces
// per-key rate budgets against a shared counter store, and walks the
// fallback chain on throttles, safety blocks, and transient provider
// failures. Callers see a completion or one structured error; key
// management never leaks out.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/bus"
	"github.com/quantweave/quantweave/pkg/events"
	"github.com/quantweave/quantweave/pkg/types"
)

// ErrAllKeysExhausted is the sentinel under every ExhaustedError.
var ErrAllKeysExhausted = errors.New("all keys exhausted")

// ExhaustedError reports that no key can serve the request and when a
// retry may succeed.
type ExhaustedError struct {
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all keys exhausted, retry after %s", e.RetryAfter)
}

func (e *ExhaustedError) Unwrap() error { return ErrAllKeysExhausted }

// Config tunes the router's retry behavior.
type Config struct {
	// MaxRetries bounds key switches per call.
	MaxRetries int
	// BaseBackoff seeds the in-key exponential backoff for 5xx and
	// network errors.
	BaseBackoff time.Duration
	// MaxBackoff caps a single in-key backoff sleep.
	MaxBackoff time.Duration
	// PerKeyRetries bounds in-key retries before moving on.
	PerKeyRetries int
	// MaxTokens is the completion cap passed to providers.
	MaxTokens int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		BaseBackoff:   50 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		PerKeyRetries: 2,
		MaxTokens:     4096,
	}
}

// Request is one routed LLM call.
type Request struct {
	System          string
	Prompt          string
	ModelPreference string
	Workload        types.Workload
	MaxTokens       int

	// WorkflowID tags retry events with the calling workflow.
	WorkflowID string
	TaskID     string
}

// Response carries the completion plus routing metadata.
type Response struct {
	Completion
	KeyID   string
	Latency time.Duration
}

// Health is the router's full observable state.
type Health struct {
	Keys     []KeyHealth `json:"keys"`
	Degraded bool        `json:"degraded"`
}

// Router routes completions across the key pool.
type Router struct {
	cfg       Config
	providers ProviderRegistry
	estimator *TokenEstimator
	logger    *zap.Logger

	// shared may be nil; local always exists and takes over in
	// fail-open mode.
	shared   CounterStore
	local    *LocalCounterStore
	degraded atomic.Bool

	mu   sync.RWMutex
	keys []*Key

	eventBus bus.Bus
	now      func() time.Time
	rng      *rand.Rand
	rngMu    sync.Mutex
}

// Option configures optional router collaborators.
type Option func(*Router)

// WithSharedCounters wires the shared (Redis) counter store.
func WithSharedCounters(cs CounterStore) Option {
	return func(r *Router) { r.shared = cs }
}

// WithBus makes the router publish LLM_RETRY events.
func WithBus(b bus.Bus) Option {
	return func(r *Router) { r.eventBus = b }
}

// WithClock overrides the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New builds a router over the given key pool and providers.
func New(cfg Config, keys []*Key, providers ProviderRegistry, opts ...Option) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.PerKeyRetries < 0 {
		cfg.PerKeyRetries = DefaultConfig().PerKeyRetries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	r := &Router{
		cfg:       cfg,
		keys:      keys,
		providers: providers,
		estimator: &TokenEstimator{},
		local:     NewLocalCounterStore(),
		logger:    log.Named("router"),
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete routes one request. It returns the completion from the
// first key that succeeds, or a structured error after the fallback
// chain is spent.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("router: prompt is empty")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.cfg.MaxTokens
	}
	estimated := r.estimator.Estimate(req.System + req.Prompt)

	workload := req.Workload
	modelPref := req.ModelPreference
	escalated := false
	tried := make(map[string]bool)

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		key, selErr := r.selectKey(ctx, workload, modelPref, estimated, tried)
		if selErr != nil {
			return nil, selErr
		}
		tried[key.Spec.KeyID] = true

		provider, err := r.providers.Lookup(key.Spec.Provider)
		if err != nil {
			key.MarkError(r.now())
			r.logger.Error("key references unknown provider",
				zap.String("key_id", key.Spec.KeyID),
				zap.Error(err))
			continue
		}

		start := r.now()
		comp, callErr := r.callKey(ctx, provider, key, req.System, req.Prompt, maxTokens)
		latency := r.now().Sub(start)

		if callErr == nil {
			key.MarkSuccess(r.now())
			r.logger.Debug("completion served",
				zap.String("key_id", key.Spec.KeyID),
				zap.String("model", comp.Model),
				zap.Duration("latency", latency),
				zap.Int64("tokens_in", comp.TokensIn),
				zap.Int64("tokens_out", comp.TokensOut))
			return &Response{Completion: *comp, KeyID: key.Spec.KeyID, Latency: latency}, nil
		}

		switch {
		case errors.Is(callErr, ErrRateLimited):
			until := key.MarkRateLimited(r.now())
			r.logger.Warn("key rate limited, cooling down",
				zap.String("key_id", key.Spec.KeyID),
				zap.Time("cooldown_until", until))
			r.emitRetry(req, key, latency, "rate_limit")

		case errors.Is(callErr, ErrSafetyBlocked):
			key.MarkError(r.now())
			if escalated {
				return nil, fmt.Errorf("safety block persisted after tier escalation: %w", ErrSafetyBlocked)
			}
			// One retry on the heavy tier; a second block is final.
			escalated = true
			workload = types.WorkloadHeavy
			modelPref = ""
			tried = make(map[string]bool)
			r.logger.Warn("safety filter blocked request, escalating tier",
				zap.String("key_id", key.Spec.KeyID),
				zap.String("next_workload", string(workload)))
			r.emitRetry(req, key, latency, "safety")

		case errors.Is(callErr, ErrServer):
			key.MarkError(r.now())
			r.logger.Warn("provider unavailable on key, moving to next",
				zap.String("key_id", key.Spec.KeyID),
				zap.Error(callErr))
			r.emitRetry(req, key, latency, "transient")

		default:
			// 4xx other than throttle/safety: caller bug, fail fast.
			key.MarkError(r.now())
			return nil, callErr
		}
	}

	return nil, &ExhaustedError{RetryAfter: r.retryAfter(r.now())}
}

// callKey runs the provider call with in-key exponential backoff on
// server errors.
func (r *Router) callKey(ctx context.Context, provider Provider, key *Key, system, prompt string, maxTokens int) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.PerKeyRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BaseBackoff << (attempt - 1)
			if backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		comp, err := provider.Complete(ctx, key, system, prompt, maxTokens)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrServer) {
			return nil, err
		}
	}
	return nil, lastErr
}

// selectKey applies the selection ladder: usable keys, workload tag
// with fallback, model preference with fallback, capacity check in
// shuffled order.
func (r *Router) selectKey(ctx context.Context, workload types.Workload, modelPref string, tokens int64, tried map[string]bool) (*Key, error) {
	r.mu.RLock()
	pool := make([]*Key, len(r.keys))
	copy(pool, r.keys)
	r.mu.RUnlock()

	now := r.now()
	usable := make([]*Key, 0, len(pool))
	for _, k := range pool {
		if k.Usable(now) && !tried[k.Spec.KeyID] {
			usable = append(usable, k)
		}
	}

	candidates := filterKeys(usable, func(k *Key) bool { return workload == "" || k.Spec.Workload == workload })
	if len(candidates) == 0 {
		candidates = usable
	}
	if modelPref != "" {
		byModel := filterKeys(candidates, func(k *Key) bool { return k.Spec.Model == modelPref })
		if len(byModel) > 0 {
			candidates = byModel
		}
	}

	r.shuffle(candidates)

	earliestReset := time.Time{}
	for _, k := range candidates {
		ok, resetAt, err := r.reserve(ctx, k, tokens, now)
		if err != nil {
			continue
		}
		if ok {
			return k, nil
		}
		if earliestReset.IsZero() || resetAt.Before(earliestReset) {
			earliestReset = resetAt
		}
	}

	retryAfter := r.retryAfter(now)
	if !earliestReset.IsZero() {
		if d := earliestReset.Sub(now); retryAfter == 0 || d < retryAfter {
			retryAfter = d
		}
	}
	return nil, &ExhaustedError{RetryAfter: retryAfter}
}

// reserve checks capacity against the shared store, failing open to
// local counting when it is unreachable.
func (r *Router) reserve(ctx context.Context, k *Key, tokens int64, now time.Time) (bool, time.Time, error) {
	if r.shared != nil && !r.degraded.Load() {
		ok, resetAt, err := r.shared.Reserve(ctx, k.Spec.KeyID, tokens, k.Spec, now)
		if err == nil {
			return ok, resetAt, nil
		}
		r.degraded.Store(true)
		r.logger.Warn("counter store unreachable, failing open to local counting",
			zap.Error(err))
	}
	return r.local.Reserve(ctx, k.Spec.KeyID, tokens, k.Spec, now)
}

// retryAfter is the smallest cooldown remaining across cooling keys.
func (r *Router) retryAfter(now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var min time.Duration
	for _, k := range r.keys {
		until := k.CooldownUntil()
		if until.After(now) {
			d := until.Sub(now)
			if min == 0 || d < min {
				min = d
			}
		}
	}
	return min
}

// Health snapshots every key plus the degradation flag.
func (r *Router) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := Health{Degraded: r.degraded.Load(), Keys: make([]KeyHealth, 0, len(r.keys))}
	for _, k := range r.keys {
		out.Keys = append(out.Keys, k.Health(now))
	}
	return out
}

func (r *Router) emitRetry(req Request, key *Key, latency time.Duration, reason string) {
	if r.eventBus == nil || req.WorkflowID == "" {
		return
	}
	ev, err := events.New(events.TypeLLMRetry, req.WorkflowID, types.RoleRouter, events.LLMRetry{
		KeyID:   key.Spec.KeyID,
		Model:   key.Spec.Model,
		Reason:  reason,
		Latency: latency,
	})
	if err != nil {
		return
	}
	ev.TaskID = req.TaskID
	if err := r.eventBus.Publish(context.Background(), ev); err != nil {
		r.logger.Warn("failed to publish retry event", zap.Error(err))
	}
}

func (r *Router) shuffle(keys []*Key) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	r.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
}

func filterKeys(keys []*Key, keep func(*Key) bool) []*Key {
	out := make([]*Key, 0, len(keys))
	for _, k := range keys {
		if keep(k) {
			out = append(out, k)
		}
	}
	return out
}
