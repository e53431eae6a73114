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
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/quantweave/quantweave/pkg/types"
)

// testReportSchema constrains test_report.json. Metrics are required;
// per-test entries must carry a name and a passed flag.
const testReportSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["passed", "tests", "metrics"],
	"properties": {
		"passed": {"type": "boolean"},
		"tests": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "passed"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"passed": {"type": "boolean"},
					"message": {"type": "string"}
				}
			}
		},
		"metrics": {
			"type": "object",
			"required": ["win_rate", "total_trades", "sharpe", "max_drawdown"],
			"properties": {
				"win_rate": {"type": "number", "minimum": 0, "maximum": 1},
				"total_trades": {"type": "integer", "minimum": 0},
				"sharpe": {"type": "number"},
				"max_drawdown": {"type": "number", "minimum": 0}
			}
		}
	}
}`

// TestReport is the parsed form of a schema-valid test_report.json.
type TestReport struct {
	Passed  bool              `json:"passed"`
	Tests   []TestCaseResult  `json:"tests"`
	Metrics types.TestMetrics `json:"metrics"`
}

// TestCaseResult is one entry in the report's tests array.
type TestCaseResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ValidateTestReport schema-checks raw test_report.json bytes.
func ValidateTestReport(data []byte) Result {
	schema := gojsonschema.NewStringLoader(testReportSchema)
	doc := gojsonschema.NewBytesLoader(data)

	res, err := gojsonschema.Validate(schema, doc)
	if err != nil {
		return fail("test_report.json is not valid JSON: %v", err)
	}
	if res.Valid() {
		return ok()
	}

	out := Result{}
	for _, issue := range res.Errors() {
		out.add("test_report.json: %s", issue.String())
	}
	return out
}

// ParseTestReport validates and decodes the report in one step.
func ParseTestReport(data []byte) (*TestReport, Result) {
	if res := ValidateTestReport(data); !res.OK {
		return nil, res
	}
	var report TestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fail("decode test_report.json: %v", err)
	}
	return &report, ok()
}

// ValidateOutputSchema checks an arbitrary JSON document against a
// task's acceptance-criteria schema.
func ValidateOutputSchema(schema map[string]interface{}, data []byte) Result {
	if len(schema) == 0 {
		return ok()
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fail("acceptance schema is not serializable: %v", err)
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(raw), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fail("output is not valid JSON: %v", err)
	}
	if res.Valid() {
		return ok()
	}
	out := Result{}
	for _, issue := range res.Errors() {
		out.add("output: %s", issue.String())
	}
	return out
}
