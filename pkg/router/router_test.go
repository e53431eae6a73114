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
package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantweave/quantweave/pkg/types"
)

func testKey(id string, workload types.Workload, model string) *Key {
	return &Key{
		Spec: KeySpec{
			KeyID:    id,
			Provider: "mock",
			Model:    model,
			RPM:      100,
			TPM:      100000,
			Workload: workload,
		},
		Secret: "secret-" + id,
		active: true,
	}
}

func newTestRouter(provider *MockProvider, keys ...*Key) *Router {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return New(cfg, keys, ProviderRegistry{"mock": provider})
}

func TestCompleteHappyPath(t *testing.T) {
	provider := NewMockProvider(MockResult{Completion: &Completion{Text: "strategy code", TokensIn: 10, TokensOut: 20}})
	r := newTestRouter(provider, testKey("k1", types.WorkloadLight, "m-light"))

	resp, err := r.Complete(context.Background(), Request{Prompt: "write a strategy", Workload: types.WorkloadLight})
	require.NoError(t, err)
	assert.Equal(t, "strategy code", resp.Text)
	assert.Equal(t, "k1", resp.KeyID)

	health := r.Health()
	require.Len(t, health.Keys, 1)
	assert.Equal(t, int64(1), health.Keys[0].SuccessCount)
	assert.False(t, health.Degraded)
}

func TestRateLimitMovesToNextKey(t *testing.T) {
	provider := NewMockProvider(
		MockResult{Err: fmt.Errorf("%w: 429", ErrRateLimited)},
		MockResult{Completion: &Completion{Text: "served by second key"}},
	)
	r := newTestRouter(provider,
		testKey("k1", types.WorkloadLight, "m"),
		testKey("k2", types.WorkloadLight, "m"),
	)

	resp, err := r.Complete(context.Background(), Request{Prompt: "p", Workload: types.WorkloadLight})
	require.NoError(t, err)
	assert.Equal(t, "served by second key", resp.Text)

	// The throttled key is cooling down.
	var cooled int
	for _, kh := range r.Health().Keys {
		if kh.CoolingDown {
			cooled++
		}
	}
	assert.Equal(t, 1, cooled)
}

func TestCooldownDoublesPerConsecutiveError(t *testing.T) {
	k := testKey("k1", types.WorkloadLight, "m")
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	until := k.MarkRateLimited(now)
	assert.Equal(t, now.Add(30*time.Second), until)

	until = k.MarkRateLimited(now)
	assert.Equal(t, now.Add(60*time.Second), until)

	for i := 0; i < 10; i++ {
		until = k.MarkRateLimited(now)
	}
	assert.Equal(t, now.Add(CooldownMax), until, "cooldown capped at 300s")

	k.MarkSuccess(now)
	until = k.MarkRateLimited(now)
	assert.Equal(t, now.Add(30*time.Second), until, "success resets the streak")
}

func TestAllKeysExhausted(t *testing.T) {
	provider := NewMockProvider()
	k := testKey("k1", types.WorkloadLight, "m")
	k.cooldownUntil = time.Now().Add(45 * time.Second)
	r := newTestRouter(provider, k)

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrAllKeysExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Greater(t, exhausted.RetryAfter, 40*time.Second)
	assert.LessOrEqual(t, exhausted.RetryAfter, 45*time.Second)
}

func TestCapacityExhaustionReportsWindowReset(t *testing.T) {
	provider := NewMockProvider()
	k := testKey("k1", types.WorkloadLight, "m")
	k.Spec.RPM = 1
	fixed := time.Date(2026, 3, 14, 12, 0, 30, 0, time.UTC)
	r := New(DefaultConfig(), []*Key{k}, ProviderRegistry{"mock": provider}, WithClock(func() time.Time { return fixed }))

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), Request{Prompt: "p"})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 30*time.Second, exhausted.RetryAfter, "retry when the minute window reopens")
}

func TestDailyBudgetReportsMidnightReset(t *testing.T) {
	provider := NewMockProvider()
	k := testKey("k1", types.WorkloadLight, "m")
	k.Spec.RPD = 1
	fixed := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	r := New(DefaultConfig(), []*Key{k}, ProviderRegistry{"mock": provider}, WithClock(func() time.Time { return fixed }))

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	_, err = r.Complete(context.Background(), Request{Prompt: "p"})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 6*time.Hour, exhausted.RetryAfter, "retry at the next UTC midnight")
}

func TestSafetyBlockEscalatesOnceThenSurfaces(t *testing.T) {
	provider := NewMockProvider(
		MockResult{Err: fmt.Errorf("%w: refused", ErrSafetyBlocked)},
		MockResult{Completion: &Completion{Text: "heavier tier answer"}},
	)
	r := newTestRouter(provider,
		testKey("k-light", types.WorkloadLight, "m-light"),
		testKey("k-heavy", types.WorkloadHeavy, "m-heavy"),
	)

	resp, err := r.Complete(context.Background(), Request{Prompt: "p", Workload: types.WorkloadLight})
	require.NoError(t, err)
	assert.Equal(t, "heavier tier answer", resp.Text)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "k-light", calls[0].KeyID)
	assert.Equal(t, "k-heavy", calls[1].KeyID)
}

func TestSafetyBlockTwiceIsFinal(t *testing.T) {
	provider := NewMockProvider(MockResult{Err: fmt.Errorf("%w: refused", ErrSafetyBlocked)})
	r := newTestRouter(provider,
		testKey("k-light", types.WorkloadLight, "m-light"),
		testKey("k-heavy", types.WorkloadHeavy, "m-heavy"),
	)

	_, err := r.Complete(context.Background(), Request{Prompt: "p", Workload: types.WorkloadLight})
	assert.ErrorIs(t, err, ErrSafetyBlocked)
}

func TestServerErrorRetriesInKeyThenMovesOn(t *testing.T) {
	provider := NewMockProvider(
		MockResult{Err: fmt.Errorf("%w: 503", ErrServer)},
		MockResult{Err: fmt.Errorf("%w: 503", ErrServer)},
		MockResult{Err: fmt.Errorf("%w: 503", ErrServer)},
		MockResult{Completion: &Completion{Text: "second key"}},
	)
	r := newTestRouter(provider,
		testKey("k1", types.WorkloadLight, "m"),
		testKey("k2", types.WorkloadLight, "m"),
	)

	resp, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "second key", resp.Text)

	calls := provider.Calls()
	// Three in-key attempts on the first key, then the second key.
	require.Len(t, calls, 4)
	assert.Equal(t, calls[0].KeyID, calls[2].KeyID)
	assert.NotEqual(t, calls[0].KeyID, calls[3].KeyID)
}

func TestClientErrorFailsFast(t *testing.T) {
	provider := NewMockProvider(MockResult{Err: fmt.Errorf("%w: 400 bad request", ErrClient)})
	r := newTestRouter(provider,
		testKey("k1", types.WorkloadLight, "m"),
		testKey("k2", types.WorkloadLight, "m"),
	)

	_, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrClient)
	assert.Len(t, provider.Calls(), 1, "no retry on caller bugs")
}

func TestWorkloadFallbackWhenTierEmpty(t *testing.T) {
	provider := NewMockProvider(MockResult{Completion: &Completion{Text: "ok"}})
	r := newTestRouter(provider, testKey("k-medium", types.WorkloadMedium, "m"))

	// No heavy key exists; selection falls through to any workload.
	resp, err := r.Complete(context.Background(), Request{Prompt: "p", Workload: types.WorkloadHeavy})
	require.NoError(t, err)
	assert.Equal(t, "k-medium", resp.KeyID)
}

func TestModelPreferenceHonored(t *testing.T) {
	provider := NewMockProvider()
	r := newTestRouter(provider,
		testKey("k1", types.WorkloadLight, "model-a"),
		testKey("k2", types.WorkloadLight, "model-b"),
	)

	for i := 0; i < 5; i++ {
		resp, err := r.Complete(context.Background(), Request{Prompt: "p", ModelPreference: "model-b"})
		require.NoError(t, err)
		assert.Equal(t, "k2", resp.KeyID)
	}
}

func TestFailOpenWhenSharedCountersDown(t *testing.T) {
	provider := NewMockProvider()
	k := testKey("k1", types.WorkloadLight, "m")
	r := New(DefaultConfig(), []*Key{k}, ProviderRegistry{"mock": provider},
		WithSharedCounters(failingCounterStore{}))

	resp, err := r.Complete(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "k1", resp.KeyID)
	assert.True(t, r.Health().Degraded)
}

type failingCounterStore struct{}

func (failingCounterStore) Reserve(context.Context, string, int64, KeySpec, time.Time) (bool, time.Time, error) {
	return false, time.Time{}, fmt.Errorf("counter store unreachable")
}

func TestInactiveKeyNeverSelected(t *testing.T) {
	provider := NewMockProvider()
	dead := testKey("k-dead", types.WorkloadLight, "m")
	dead.active = false
	live := testKey("k-live", types.WorkloadLight, "m")
	r := newTestRouter(provider, dead, live)

	for i := 0; i < 5; i++ {
		resp, err := r.Complete(context.Background(), Request{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "k-live", resp.KeyID)
	}
}

func TestLoadKeysDisablesMissingSecrets(t *testing.T) {
	m := &Manifest{Keys: []KeySpec{
		{KeyID: "with-secret", Provider: "mock", Model: "m", Workload: types.WorkloadLight},
		{KeyID: "without-secret", Provider: "mock", Model: "m", Workload: types.WorkloadLight},
	}}
	keys := LoadKeys(m, StaticSecretStore{"with-secret": "s3cr3t"})
	require.Len(t, keys, 2)
	assert.True(t, keys[0].Usable(time.Now()))
	assert.False(t, keys[1].Usable(time.Now()))
}
