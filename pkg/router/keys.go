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
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantweave/quantweave/internal/log"
	"github.com/quantweave/quantweave/pkg/types"
)

// Cooldown growth per spec: 30s doubling per consecutive error, capped
// at five minutes.
const (
	CooldownBase = 30 * time.Second
	CooldownMax  = 300 * time.Second
)

// KeySpec is one entry of the keys.json manifest. The secret itself is
// never stored in the manifest; it is resolved through the SecretStore
// under the key id.
type KeySpec struct {
	KeyID    string         `json:"key_id"`
	Provider string         `json:"provider"`
	Model    string         `json:"model_name"`
	RPM      int            `json:"rpm"`
	TPM      int            `json:"tpm"`
	RPD      int            `json:"rpd"`
	Workload types.Workload `json:"workload"`
	Priority int            `json:"priority"`
}

// Manifest is the keys.json document.
type Manifest struct {
	Keys []KeySpec `json:"keys"`
}

// LoadManifest reads and validates keys.json.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse key manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Keys))
	for i, k := range m.Keys {
		if k.KeyID == "" || k.Provider == "" || k.Model == "" {
			return nil, fmt.Errorf("key manifest entry %d: key_id, provider and model_name are required", i)
		}
		if seen[k.KeyID] {
			return nil, fmt.Errorf("key manifest: duplicate key_id %q", k.KeyID)
		}
		seen[k.KeyID] = true
		if !k.Workload.Valid() {
			return nil, fmt.Errorf("key %s: unknown workload %q", k.KeyID, k.Workload)
		}
	}
	return &m, nil
}

// Key is the runtime state of one API key. Health fields are mutated
// under the per-key mutex only.
type Key struct {
	Spec   KeySpec
	Secret string

	mu                sync.Mutex
	active            bool
	successCount      int64
	errorCount        int64
	consecutiveErrors int
	lastUsed          time.Time
	cooldownUntil     time.Time
}

// KeyHealth is the immutable health view of one key.
type KeyHealth struct {
	KeyID             string         `json:"key_id"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model_name"`
	Workload          types.Workload `json:"workload"`
	Active            bool           `json:"active"`
	SuccessCount      int64          `json:"success_count"`
	ErrorCount        int64          `json:"error_count"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastUsed          time.Time      `json:"last_used,omitempty"`
	CoolingDown       bool           `json:"cooling_down"`
	CooldownUntil     time.Time      `json:"cooldown_until,omitempty"`
}

// Usable reports whether the key may serve a request now.
func (k *Key) Usable(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active && !now.Before(k.cooldownUntil)
}

// CooldownUntil returns the key's current cooldown deadline.
func (k *Key) CooldownUntil() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cooldownUntil
}

// MarkSuccess records a completed call and clears the error streak.
func (k *Key) MarkSuccess(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.successCount++
	k.consecutiveErrors = 0
	k.lastUsed = now
}

// MarkRateLimited records a provider throttle and starts the
// exponential cooldown.
func (k *Key) MarkRateLimited(now time.Time) time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errorCount++
	k.consecutiveErrors++
	cd := CooldownBase << (k.consecutiveErrors - 1)
	if cd > CooldownMax || cd <= 0 {
		cd = CooldownMax
	}
	k.cooldownUntil = now.Add(cd)
	k.lastUsed = now
	return k.cooldownUntil
}

// MarkError records a non-throttle failure without cooling the key.
func (k *Key) MarkError(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errorCount++
	k.consecutiveErrors++
	k.lastUsed = now
}

// Health snapshots the key's counters.
func (k *Key) Health(now time.Time) KeyHealth {
	k.mu.Lock()
	defer k.mu.Unlock()
	return KeyHealth{
		KeyID:             k.Spec.KeyID,
		Provider:          k.Spec.Provider,
		Model:             k.Spec.Model,
		Workload:          k.Spec.Workload,
		Active:            k.active,
		SuccessCount:      k.successCount,
		ErrorCount:        k.errorCount,
		ConsecutiveErrors: k.consecutiveErrors,
		LastUsed:          k.lastUsed,
		CoolingDown:       now.Before(k.cooldownUntil),
		CooldownUntil:     k.cooldownUntil,
	}
}

// LoadKeys resolves secrets for every manifest entry. A key whose
// secret cannot be resolved is loaded inactive with a warning rather
// than failing startup.
func LoadKeys(m *Manifest, secrets SecretStore) []*Key {
	logger := log.Named("router")
	keys := make([]*Key, 0, len(m.Keys))
	for _, spec := range m.Keys {
		k := &Key{Spec: spec, active: true}
		secret, err := secrets.Get(spec.KeyID)
		if err != nil {
			logger.Warn("secret not found, key disabled",
				zap.String("key_id", spec.KeyID),
				zap.Error(err))
			k.active = false
		} else {
			k.Secret = secret
		}
		keys = append(keys, k)
	}
	return keys
}
