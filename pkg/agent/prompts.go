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
package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quantweave/quantweave/pkg/types"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json|python)?\\s*\n(.*?)```")

// extractBlock pulls the first fenced block out of a model response,
// falling back to the raw text trimmed.
func extractBlock(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// extractJSON pulls a JSON document from a model response: fenced
// block first, then the outermost brace pair.
func extractJSON(text string) string {
	block := extractBlock(text)
	if strings.HasPrefix(block, "{") || strings.HasPrefix(block, "[") {
		return block
	}
	start := strings.Index(block, "{")
	end := strings.LastIndex(block, "}")
	if start >= 0 && end > start {
		return block[start : end+1]
	}
	return block
}

const plannerSystem = `You are the planning agent of an automated trading strategy
platform. Turn the user's strategy request into a JSON todo list: an array of
tasks with id, title, description, agent_role (architect|coder|tester), priority,
depends_on, and acceptance_criteria.tests. Coder tasks must carry at least one
acceptance test name. Respond with JSON only.`

const architectSystem = `You are the architecture agent. Produce a JSON contract
for the implementing task: interfaces (name, inputs, outputs), fixtures, and
acceptance_tests. The strategy module is Python; the entry point is a signal(bar)
function returning -1, 0, or 1. Respond with JSON only.`

const coderSystem = `You are the implementation agent. Write a complete Python
strategy module satisfying the contract. The module must be deterministic: no
wall-clock reads, no unseeded randomness, no network access. Respond with a
single python code block.`

const debuggerSystem = `You are the debugging agent. You get a failing strategy
module and its failure report. Produce a corrected version of the module that
fixes the failure without changing the strategy's intent. Respond with a single
python code block.`

func plannerPrompt(request string) string {
	return fmt.Sprintf("Strategy request:\n%s\n\nProduce the todo list JSON.", request)
}

func architectPrompt(task types.Task) string {
	return fmt.Sprintf("Task %s: %s\n%s\n\nAcceptance tests already named: %s\n\nProduce the contract JSON.",
		task.ID, task.Title, task.Description, strings.Join(task.AcceptanceCriteria.Tests, ", "))
}

func coderPrompt(task types.Task, contract *types.Contract) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n%s\n", task.ID, task.Title, task.Description)
	if contract != nil {
		b.WriteString("\nContract interfaces:\n")
		for _, iface := range contract.Interfaces {
			fmt.Fprintf(&b, "- %s(%v) -> %v\n", iface.Name, iface.Inputs, iface.Outputs)
		}
		fmt.Fprintf(&b, "Acceptance tests: %s\n", strings.Join(contract.AcceptanceTests, ", "))
	}
	b.WriteString("\nWrite strategy.py.")
	return b.String()
}

func debuggerPrompt(task types.Task, source string, failures []string) string {
	return fmt.Sprintf("%s\n\nFailure history:\n%s\n\nCurrent strategy.py:\n```python\n%s\n```\n\nReturn the corrected strategy.py.",
		task.Description, strings.Join(failures, "\n"), source)
}

// fallbackStrategy is the deterministic template used when every model
// tier refuses the generation request. A simple moving-average cross
// keeps the workflow alive so the remediation loop can refine it.
const fallbackStrategy = `"""Moving-average crossover strategy (template fallback)."""

FAST = 12
SLOW = 26

_closes = []


def signal(bar):
    """Return 1 to go long, -1 to go short, 0 to stay flat."""
    _closes.append(float(bar["close"]))
    if len(_closes) < SLOW:
        return 0
    fast = sum(_closes[-FAST:]) / FAST
    slow = sum(_closes[-SLOW:]) / SLOW
    if fast > slow:
        return 1
    if fast < slow:
        return -1
    return 0


def reset():
    _closes.clear()
`

// testsModule renders the deterministic acceptance-test module the
// sandbox harness imports. It backtests the strategy over the fixture,
// writes the structured outputs, and exposes one function per named
// acceptance test plus the metrics entry point.
func testsModule(contract *types.Contract) string {
	var b strings.Builder
	b.WriteString(`"""Acceptance tests and backtest driver."""
import csv
import json
import math


def _bars(fixture):
    with open(fixture) as f:
        for row in csv.DictReader(f):
            yield row


def _backtest(strategy, fixture):
    if hasattr(strategy, "reset"):
        strategy.reset()
    balance = 10000.0
    position = 0
    entry = 0.0
    trades = []
    equity = []
    events = []
    for bar in _bars(fixture):
        price = float(bar["close"])
        side = strategy.signal(bar)
        if side not in (-1, 0, 1):
            raise AssertionError("signal must be -1, 0, or 1, got %r" % (side,))
        if side != position:
            if position != 0:
                pnl = (price - entry) * position * 10000
                balance += pnl
                trades.append({
                    "time": bar["time"], "symbol": "EURUSD",
                    "action": "sell" if position > 0 else "buy",
                    "volume": 0.1, "price": price, "pnl": round(pnl, 2),
                })
                events.append("%s closed position pnl=%.2f" % (bar["time"], pnl))
            if side != 0:
                entry = price
                trades.append({
                    "time": bar["time"], "symbol": "EURUSD",
                    "action": "buy" if side > 0 else "sell",
                    "volume": 0.1, "price": price, "pnl": 0.0,
                })
                events.append("%s opened position side=%d" % (bar["time"], side))
            position = side
        floating = (price - entry) * position * 10000 if position else 0.0
        equity.append({
            "time": bar["time"],
            "balance": round(balance, 2),
            "equity": round(balance + floating, 2),
        })
    _write_outputs(trades, equity, events)
    return trades, equity


def _write_outputs(trades, equity, events):
    with open("trades.csv", "w", newline="") as f:
        w = csv.DictWriter(f, fieldnames=["time", "symbol", "action", "volume", "price", "pnl"])
        w.writeheader()
        w.writerows(trades)
    with open("equity_curve.csv", "w", newline="") as f:
        w = csv.DictWriter(f, fieldnames=["time", "balance", "equity"])
        w.writeheader()
        w.writerows(equity)
    with open("events.log", "w") as f:
        f.write("\n".join(events) + "\n")


def metrics(strategy, fixture):
    trades, equity = _backtest(strategy, fixture)
    closed = [t for t in trades if t["pnl"] != 0.0]
    wins = sum(1 for t in closed if t["pnl"] > 0)
    win_rate = wins / len(closed) if closed else 0.0
    returns = []
    for prev, cur in zip(equity, equity[1:]):
        if prev["equity"]:
            returns.append(cur["equity"] / prev["equity"] - 1.0)
    mean = sum(returns) / len(returns) if returns else 0.0
    var = sum((r - mean) ** 2 for r in returns) / len(returns) if returns else 0.0
    sharpe = mean / math.sqrt(var) * math.sqrt(252 * 24 * 60) if var else 0.0
    peak = 0.0
    drawdown = 0.0
    for point in equity:
        peak = max(peak, point["equity"])
        if peak:
            drawdown = max(drawdown, (peak - point["equity"]) / peak)
    return {
        "win_rate": round(win_rate, 4),
        "total_trades": len(closed),
        "sharpe": round(sharpe, 4),
        "max_drawdown": round(drawdown, 4),
    }
`)
	for _, name := range acceptanceNames(contract) {
		fmt.Fprintf(&b, `

def %s(strategy, fixture):
    trades, equity = _backtest(strategy, fixture)
    assert equity, "backtest produced no equity points"
    for t in trades:
        assert t["volume"] > 0
`, name)
	}
	return b.String()
}

func acceptanceNames(contract *types.Contract) []string {
	if contract == nil || len(contract.AcceptanceTests) == 0 {
		return []string{"test_strategy_runs"}
	}
	names := make([]string, 0, len(contract.AcceptanceTests))
	for _, raw := range contract.AcceptanceTests {
		names = append(names, pythonIdent(raw))
	}
	return names
}

// pythonIdent mirrors the harness generator's sanitizer so test names
// resolve in the generated module.
func pythonIdent(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		case r == ' ' || r == '-':
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "test_unnamed"
	}
	return string(out)
}
