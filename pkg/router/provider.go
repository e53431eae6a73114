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
	"errors"
	"fmt"
)

// Completion is a provider-agnostic LLM response.
type Completion struct {
	Text      string
	Model     string
	TokensIn  int64
	TokensOut int64
}

// Provider issues one completion against a concrete backend. The
// router owns key selection and retries; providers only translate the
// call and classify errors.
type Provider interface {
	// Name identifies the provider in manifests and logs.
	Name() string

	// Complete sends the prompt using the given key's secret and model.
	Complete(ctx context.Context, key *Key, system, prompt string, maxTokens int) (*Completion, error)
}

// Sentinel classifications providers wrap their errors with. The
// router's retry policy branches on these.
var (
	// ErrRateLimited marks a provider 429 or equivalent throttle.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrSafetyBlocked marks a safety-filter refusal.
	ErrSafetyBlocked = errors.New("provider safety filter blocked request")

	// ErrServer marks a 5xx or transport-level failure worth retrying
	// on the same key.
	ErrServer = errors.New("provider server error")

	// ErrClient marks any other 4xx. These are caller bugs and are
	// never retried.
	ErrClient = errors.New("provider rejected request")
)

// ProviderRegistry maps provider names to implementations.
type ProviderRegistry map[string]Provider

// Lookup resolves the provider for a key spec.
func (r ProviderRegistry) Lookup(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}
	return p, nil
}
