// Package rules implements the pass/fail rules applied to prop-trading
// challenges.
//
// The evaluator is a pure function of three equity figures. It performs no
// I/O and reads no clock, so every verdict is reproducible from its inputs.
// Rules are checked in a fixed order and the first match wins:
//
//  1. daily loss:     current < periodStart * (1 - DailyLossPct/100)
//  2. total drawdown: current < initial * (1 - TotalDrawdownPct/100)
//  3. profit target:  current >= initial * (1 + ProfitTargetPct/100)
//
// All arithmetic uses shopspring/decimal.
package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Verdict outcomes.
const (
	OutcomeContinue = "continue"
	OutcomePass     = "pass"
	OutcomeFail     = "fail"
)

// Verdict reasons.
const (
	ReasonDailyLoss     = "daily_loss"
	ReasonTotalDrawdown = "total_drawdown"
	ReasonProfitTarget  = "profit_target"
)

// PctScale is the number of decimal places reported for percentages.
const PctScale = 2

var (
	// ErrInvalidThreshold is returned when a threshold is not strictly positive
	// or a loss threshold would reach 100%.
	ErrInvalidThreshold = errors.New("rules: thresholds must be positive and losses below 100%")

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Thresholds are the three rule limits, expressed in percent.
type Thresholds struct {
	DailyLossPct     decimal.Decimal `json:"daily_loss_pct"`
	TotalDrawdownPct decimal.Decimal `json:"total_drawdown_pct"`
	ProfitTargetPct  decimal.Decimal `json:"profit_target_pct"`
}

// DefaultThresholds returns 5% daily loss, 10% total drawdown, 10% profit target.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DailyLossPct:     decimal.NewFromInt(5),
		TotalDrawdownPct: decimal.NewFromInt(10),
		ProfitTargetPct:  decimal.NewFromInt(10),
	}
}

// Validate checks every threshold is in (0, 100) for losses and > 0 for profit.
func (t Thresholds) Validate() error {
	if !t.DailyLossPct.IsPositive() || t.DailyLossPct.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: daily_loss_pct=%s", ErrInvalidThreshold, t.DailyLossPct)
	}
	if !t.TotalDrawdownPct.IsPositive() || t.TotalDrawdownPct.GreaterThanOrEqual(hundred) {
		return fmt.Errorf("%w: total_drawdown_pct=%s", ErrInvalidThreshold, t.TotalDrawdownPct)
	}
	if !t.ProfitTargetPct.IsPositive() {
		return fmt.Errorf("%w: profit_target_pct=%s", ErrInvalidThreshold, t.ProfitTargetPct)
	}
	return nil
}

// Verdict is the result of evaluating one challenge.
type Verdict struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	// Pct is the loss or profit percentage that triggered the rule.
	Pct decimal.Decimal `json:"pct"`

	// Threshold is the equity level the rule compared against.
	Threshold decimal.Decimal `json:"threshold"`
}

// IsTransition reports whether the verdict moves a challenge out of active.
func (v Verdict) IsTransition() bool {
	return v.Outcome != OutcomeContinue
}

// Evaluator applies a fixed set of thresholds. It is stateless and safe for
// concurrent use.
type Evaluator struct {
	dailyFactor    decimal.Decimal // 1 - daily/100
	drawdownFactor decimal.Decimal // 1 - total/100
	profitFactor   decimal.Decimal // 1 + profit/100
	thresholds     Thresholds
}

// NewEvaluator creates an evaluator after validating the thresholds.
func NewEvaluator(t Thresholds) (*Evaluator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{
		dailyFactor:    one.Sub(t.DailyLossPct.Div(hundred)),
		drawdownFactor: one.Sub(t.TotalDrawdownPct.Div(hundred)),
		profitFactor:   one.Add(t.ProfitTargetPct.Div(hundred)),
		thresholds:     t,
	}, nil
}

// Thresholds returns the limits this evaluator was built with.
func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds
}

// Evaluate computes the verdict for the given equity figures.
func (e *Evaluator) Evaluate(current, initial, periodStart decimal.Decimal) Verdict {
	if !initial.IsPositive() {
		return Verdict{Outcome: OutcomeContinue}
	}

	// 1. Daily loss against the period-start baseline.
	if periodStart.IsPositive() {
		dailyLimit := periodStart.Mul(e.dailyFactor)
		if current.LessThan(dailyLimit) {
			return Verdict{
				Outcome:   OutcomeFail,
				Reason:    ReasonDailyLoss,
				Pct:       pctOf(periodStart.Sub(current), periodStart),
				Threshold: dailyLimit,
			}
		}
	}

	// 2. Total drawdown against the initial balance.
	drawdownLimit := initial.Mul(e.drawdownFactor)
	if current.LessThan(drawdownLimit) {
		return Verdict{
			Outcome:   OutcomeFail,
			Reason:    ReasonTotalDrawdown,
			Pct:       pctOf(initial.Sub(current), initial),
			Threshold: drawdownLimit,
		}
	}

	// 3. Profit target.
	target := initial.Mul(e.profitFactor)
	if current.GreaterThanOrEqual(target) {
		return Verdict{
			Outcome:   OutcomePass,
			Reason:    ReasonProfitTarget,
			Pct:       pctOf(current.Sub(initial), initial),
			Threshold: target,
		}
	}

	return Verdict{Outcome: OutcomeContinue}
}

func pctOf(delta, base decimal.Decimal) decimal.Decimal {
	return delta.Div(base).Mul(hundred).Round(PctScale)
}
