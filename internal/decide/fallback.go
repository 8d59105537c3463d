// v1
// internal/decide/fallback.go
package decide

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"nrgchamp/optimizer/internal/models"
)

type tier struct {
	above      float64 // strict lower bound on excess percent
	action     models.Action
	window     string
	maxSavings float64
	confidence float64
}

// fallbackTiers are ordered from the highest bound down. A percent equal to a
// bound belongs to the tier below it.
var fallbackTiers = []tier{
	{above: 20, action: models.ActionShiftLoad, window: "02:00-05:00", maxSavings: 25, confidence: 0.85},
	{above: 10, action: models.ActionReduceConsumption, window: "18:00-22:00", maxSavings: 15, confidence: 0.78},
	{above: math.Inf(-1), action: models.ActionOptimizeScheduling, window: "12:00-16:00", maxSavings: 10, confidence: 0.72},
}

// ExcessPercent returns excess relative to threshold, in percent. A
// non-positive threshold saturates to 100.
func ExcessPercent(excess, threshold float64) float64 {
	if threshold <= 0 {
		return 100
	}
	return decimal.NewFromFloat(excess).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(threshold)).
		InexactFloat64()
}

// Fallback is the deterministic tiered rule.
func Fallback(excessPercent float64) models.Decision {
	t := pickTier(excessPercent)
	savings := math.Min(t.maxSavings, excessPercent)
	return models.Decision{
		Action:                 t.action,
		TargetWindow:           t.window,
		ExpectedSavingsPercent: savings,
		Confidence:             t.confidence,
		Reasoning: fmt.Sprintf("Consumption exceeded the daily threshold by %.2f%%; %s during %s is expected to save %.2f%%.",
			excessPercent, actionPhrase(t.action), t.window, savings),
		Source: models.SourceFallback,
	}
}

func pickTier(excessPercent float64) tier {
	for _, t := range fallbackTiers {
		if excessPercent > t.above {
			return t
		}
	}
	return fallbackTiers[len(fallbackTiers)-1]
}

func actionPhrase(a models.Action) string {
	switch a {
	case models.ActionShiftLoad:
		return "shifting flexible load to off-peak hours"
	case models.ActionReduceConsumption:
		return "reducing non-essential consumption"
	default:
		return "rescheduling appliance runs"
	}
}
