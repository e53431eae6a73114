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
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates prompt token counts for capacity checks.
// Uses tiktoken with cl100k_base encoding (Claude-compatible
// approximation); falls back to chars/4 when the encoding is
// unavailable.
type TokenEstimator struct {
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

// Estimate returns the approximate token count of text.
func (e *TokenEstimator) Estimate(text string) int64 {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.encoder = enc
		}
	})
	if e.encoder != nil {
		return int64(len(e.encoder.Encode(text, nil, nil)))
	}
	n := int64(len(text) / 4)
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
