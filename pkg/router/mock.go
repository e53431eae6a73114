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
	"sync"
)

// MockResult scripts one MockProvider response.
type MockResult struct {
	Completion *Completion
	Err        error
}

// MockProvider returns scripted results in order, repeating the last
// one when the script runs out. Used by router, agent, and
// orchestrator tests.
type MockProvider struct {
	ProviderName string

	mu     sync.Mutex
	script []MockResult
	calls  []MockCall
}

// MockCall records one invocation for assertions.
type MockCall struct {
	KeyID     string
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// NewMockProvider scripts a provider named "mock".
func NewMockProvider(script ...MockResult) *MockProvider {
	return &MockProvider{ProviderName: "mock", script: script}
}

// Name implements Provider.
func (p *MockProvider) Name() string { return p.ProviderName }

// Complete implements Provider.
func (p *MockProvider) Complete(_ context.Context, key *Key, system, prompt string, maxTokens int) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, MockCall{
		KeyID:     key.Spec.KeyID,
		Model:     key.Spec.Model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})

	if len(p.script) == 0 {
		return &Completion{Text: "ok", Model: key.Spec.Model, TokensIn: 1, TokensOut: 1}, nil
	}
	res := p.script[0]
	if len(p.script) > 1 {
		p.script = p.script[1:]
	}
	if res.Err != nil {
		return nil, res.Err
	}
	comp := *res.Completion
	if comp.Model == "" {
		comp.Model = key.Spec.Model
	}
	return &comp, nil
}

// Calls returns the recorded invocations.
func (p *MockProvider) Calls() []MockCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MockCall, len(p.calls))
	copy(out, p.calls)
	return out
}
