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

// Package fixtures generates deterministic market data for sandbox
// runs. All generators are seeded; the same seed always yields the
// same bytes, which is what makes the determinism re-check meaningful.
package fixtures

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultSeed is the seed every test fixture is generated with.
const DefaultSeed = 42

// Bar is one OHLCV candle.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// GeneratorConfig controls the synthetic price series.
type GeneratorConfig struct {
	Seed       int64
	Symbol     string
	Start      time.Time
	Interval   time.Duration
	Bars       int
	StartPrice float64
	// Drift is the per-bar expected log return; Volatility the per-bar
	// standard deviation of log returns.
	Drift      float64
	Volatility float64
	BaseVolume float64
}

// DefaultGeneratorConfig returns the series used by the standard
// strategy fixtures: one trading week of minute bars.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Seed:       DefaultSeed,
		Symbol:     "EURUSD",
		Start:      time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		Interval:   time.Minute,
		Bars:       5 * 24 * 60,
		StartPrice: 1.0850,
		Drift:      0,
		Volatility: 0.0004,
		BaseVolume: 100,
	}
}

// Generator produces OHLCV series from a seeded source.
type Generator struct {
	cfg GeneratorConfig
}

// NewGenerator validates the config and builds a generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Bars <= 0 {
		return nil, fmt.Errorf("fixtures: bars must be positive, got %d", cfg.Bars)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("fixtures: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.StartPrice <= 0 {
		return nil, fmt.Errorf("fixtures: start price must be positive, got %g", cfg.StartPrice)
	}
	if cfg.Volatility < 0 {
		return nil, fmt.Errorf("fixtures: volatility must be non-negative, got %g", cfg.Volatility)
	}
	return &Generator{cfg: cfg}, nil
}

// Series generates the full bar series. Repeated calls return
// identical data.
func (g *Generator) Series() []Bar {
	rng := rand.New(rand.NewSource(g.cfg.Seed))
	bars := make([]Bar, g.cfg.Bars)

	price := g.cfg.StartPrice
	ts := g.cfg.Start.UTC()
	for i := range bars {
		open := price
		ret := g.cfg.Drift + g.cfg.Volatility*rng.NormFloat64()
		close := open * math.Exp(ret)

		// Intrabar extremes extend beyond the open/close range by a
		// seeded fraction of the bar's volatility.
		hi := math.Max(open, close) * (1 + g.cfg.Volatility*rng.Float64())
		lo := math.Min(open, close) * (1 - g.cfg.Volatility*rng.Float64())

		vol := g.cfg.BaseVolume * (0.5 + rng.Float64())

		bars[i] = Bar{
			Time:   ts,
			Open:   round6(open),
			High:   round6(hi),
			Low:    round6(lo),
			Close:  round6(close),
			Volume: math.Round(vol),
		}
		price = close
		ts = ts.Add(g.cfg.Interval)
	}
	return bars
}

// CSV renders the series in the layout strategy code reads:
// time,open,high,low,close,volume with RFC3339 timestamps. Output is
// byte-stable for a given config.
func (g *Generator) CSV() []byte {
	var buf bytes.Buffer
	buf.WriteString("time,open,high,low,close,volume\n")
	for _, b := range g.Series() {
		fmt.Fprintf(&buf, "%s,%.6f,%.6f,%.6f,%.6f,%.0f\n",
			b.Time.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	return buf.Bytes()
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
