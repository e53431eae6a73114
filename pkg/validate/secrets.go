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
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
)

// SecretPattern pairs a label with a compiled detector.
type SecretPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultSecretPatterns covers the common credential shapes that must
// never appear in sandbox logs or reports. The hit line is reported by
// label only; the matched text is never echoed back.
func DefaultSecretPatterns() []SecretPattern {
	return []SecretPattern{
		{Name: "aws_access_key", Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{Name: "openai_key", Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
		{Name: "anthropic_key", Pattern: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
		{Name: "github_token", Pattern: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
		{Name: "slack_token", Pattern: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
		{Name: "private_key_block", Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
		{Name: "bearer_token", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
		{Name: "generic_api_key", Pattern: regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|secret[_-]?key|access[_-]?token)\b\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}`)},
		{Name: "password_assignment", Pattern: regexp.MustCompile(`(?i)\bpassword\b\s*[:=]\s*['"]?[^\s'"]{8,}`)},
	}
}

// SecretScanner scans text outputs line by line against a configurable
// pattern list.
type SecretScanner struct {
	patterns []SecretPattern
}

// NewSecretScanner builds a scanner; nil patterns selects the defaults.
func NewSecretScanner(patterns []SecretPattern) *SecretScanner {
	if len(patterns) == 0 {
		patterns = DefaultSecretPatterns()
	}
	return &SecretScanner{patterns: patterns}
}

// Scan checks data and reports each hit as "file:line pattern". Any hit
// fails the run regardless of the test result.
func (s *SecretScanner) Scan(filename string, data []byte) Result {
	out := ok()

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		for _, p := range s.patterns {
			if p.Pattern.Match(text) {
				out.add("%s:%d matched secret pattern %q", filename, line, p.Name)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out.add("%s: scan aborted: %v", filename, err)
	}
	return out
}

// CompilePatterns builds patterns from name->expression pairs, for
// config-driven extension of the default list.
func CompilePatterns(exprs map[string]string) ([]SecretPattern, error) {
	patterns := DefaultSecretPatterns()
	for name, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("secret pattern %q: %w", name, err)
		}
		patterns = append(patterns, SecretPattern{Name: name, Pattern: re})
	}
	return patterns, nil
}
