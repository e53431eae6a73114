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
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider serves completions through the Anthropic Messages
// API. One SDK client is cached per key id.
type AnthropicProvider struct {
	mu      sync.Mutex
	clients map[string]*sdk.Client
}

// NewAnthropicProvider builds an empty provider.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{clients: make(map[string]*sdk.Client)}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, key *Key, system, prompt string, maxTokens int) (*Completion, error) {
	client := p.client(key)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(key.Spec.Model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}
	if string(msg.StopReason) == "refusal" {
		return nil, fmt.Errorf("model %s refused: %w", key.Spec.Model, ErrSafetyBlocked)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:      text.String(),
		Model:     string(msg.Model),
		TokensIn:  msg.Usage.InputTokens,
		TokensOut: msg.Usage.OutputTokens,
	}, nil
}

func (p *AnthropicProvider) client(key *Key) *sdk.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key.Spec.KeyID]; ok {
		return c
	}
	c := sdk.NewClient(option.WithAPIKey(key.Secret))
	p.clients[key.Spec.KeyID] = &c
	return &c
}

func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrServer, err)
		case apiErr.StatusCode >= 400:
			if strings.Contains(strings.ToLower(apiErr.Error()), "safety") {
				return fmt.Errorf("%w: %v", ErrSafetyBlocked, err)
			}
			return fmt.Errorf("%w: %v", ErrClient, err)
		}
	}
	// Transport-level failures count as server errors: same-key backoff
	// applies.
	return fmt.Errorf("%w: %v", ErrServer, err)
}
