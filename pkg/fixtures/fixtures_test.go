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
package fixtures

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() GeneratorConfig {
	cfg := DefaultGeneratorConfig()
	cfg.Bars = 100
	return cfg
}

func TestSeriesIsDeterministic(t *testing.T) {
	g1, err := NewGenerator(smallConfig())
	require.NoError(t, err)
	g2, err := NewGenerator(smallConfig())
	require.NoError(t, err)

	assert.Equal(t, g1.Series(), g2.Series())
	assert.Equal(t, g1.CSV(), g2.CSV())
	// Same generator, repeated calls.
	assert.Equal(t, g1.Series(), g1.Series())
}

func TestSeriesChangesWithSeed(t *testing.T) {
	cfg := smallConfig()
	g1, err := NewGenerator(cfg)
	require.NoError(t, err)

	cfg.Seed = 43
	g2, err := NewGenerator(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, g1.Series(), g2.Series())
}

func TestSeriesShape(t *testing.T) {
	cfg := smallConfig()
	g, err := NewGenerator(cfg)
	require.NoError(t, err)

	bars := g.Series()
	require.Len(t, bars, cfg.Bars)

	prev := cfg.Start.Add(-cfg.Interval)
	for i, b := range bars {
		assert.Equal(t, prev.Add(cfg.Interval), b.Time, "bar %d timestamp", i)
		prev = b.Time

		assert.GreaterOrEqual(t, b.High, b.Open, "bar %d", i)
		assert.GreaterOrEqual(t, b.High, b.Close, "bar %d", i)
		assert.LessOrEqual(t, b.Low, b.Open, "bar %d", i)
		assert.LessOrEqual(t, b.Low, b.Close, "bar %d", i)
		assert.Greater(t, b.Volume, 0.0, "bar %d", i)
	}

	// Bars chain: each open is the previous close.
	for i := 1; i < len(bars); i++ {
		assert.Equal(t, bars[i-1].Close, bars[i].Open, "bar %d open", i)
	}
}

func TestCSVLayout(t *testing.T) {
	g, err := NewGenerator(smallConfig())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(g.CSV()), "\n"), "\n")
	require.Len(t, lines, 101)
	assert.Equal(t, "time,open,high,low,close,volume", lines[0])

	fields := strings.Split(lines[1], ",")
	require.Len(t, fields, 6)
	_, err = time.Parse(time.RFC3339, fields[0])
	assert.NoError(t, err)
}

func TestNewGeneratorRejectsBadConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Bars = 0
	_, err := NewGenerator(cfg)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.Interval = 0
	_, err = NewGenerator(cfg)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.StartPrice = -1
	_, err = NewGenerator(cfg)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.Volatility = -0.1
	_, err = NewGenerator(cfg)
	assert.Error(t, err)
}
