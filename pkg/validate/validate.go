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

// Package validate provides the pure validators the tester runs over
// sandbox outputs: JSON-schema checks for test reports, CSV column
// checks for trades and equity curves, and a secret scanner. Validators
// do no I/O beyond their input and return a structured Result.
package validate

import "fmt"

// Result is the outcome of one validator.
type Result struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues,omitempty"`
}

func ok() Result { return Result{OK: true} }

func fail(format string, args ...interface{}) Result {
	return Result{Issues: []string{fmt.Sprintf(format, args...)}}
}

func (r *Result) add(format string, args ...interface{}) {
	r.OK = false
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}
