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
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
)

// TradesColumns are the required trades.csv columns, in order.
var TradesColumns = []string{"time", "symbol", "action", "volume", "price", "pnl"}

// EquityColumns are the required equity_curve.csv columns, in order.
var EquityColumns = []string{"time", "balance", "equity"}

// numericTradesCols are columns whose values must parse as floats.
var numericTradesCols = map[string]bool{"volume": true, "price": true, "pnl": true}

// numericEquityCols are columns whose values must parse as floats.
var numericEquityCols = map[string]bool{"balance": true, "equity": true}

// ValidateTradesCSV checks header order, column count, and numeric
// fields of a trades.csv document.
func ValidateTradesCSV(data []byte) Result {
	return validateCSV("trades.csv", data, TradesColumns, numericTradesCols)
}

// ValidateEquityCSV checks header order, column count, and numeric
// fields of an equity_curve.csv document.
func ValidateEquityCSV(data []byte) Result {
	return validateCSV("equity_curve.csv", data, EquityColumns, numericEquityCols)
}

func validateCSV(name string, data []byte, columns []string, numeric map[string]bool) Result {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = len(columns)

	header, err := r.Read()
	if err == io.EOF {
		return fail("%s: empty file", name)
	}
	if err != nil {
		return fail("%s: read header: %v", name, err)
	}

	out := ok()
	for i, want := range columns {
		if i >= len(header) {
			out.add("%s: missing column %q", name, want)
			continue
		}
		if header[i] != want {
			out.add("%s: column %d is %q, want %q", name, i, header[i], want)
		}
	}
	if !out.OK {
		return out
	}

	row := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			out.add("%s: row %d: %v", name, row, err)
			continue
		}
		for i, col := range columns {
			if !numeric[col] {
				continue
			}
			if _, perr := strconv.ParseFloat(record[i], 64); perr != nil {
				out.add("%s: row %d: column %q value %q is not numeric", name, row, col, record[i])
			}
		}
	}
	return out
}
