package scoring

import "fmt"

// RiskLabel is the coarse risk bucket derived from a default probability.
type RiskLabel string

const (
	RiskLow    RiskLabel = "Low"
	RiskMedium RiskLabel = "Medium"
	RiskHigh   RiskLabel = "High"
)

// Default decision thresholds.
const (
	DefaultHighThreshold   = 0.5
	DefaultMediumThreshold = 0.3
)

// Thresholds maps a probability to a RiskLabel:
//
//	p >= High           → High (and IsHighRisk)
//	Medium <= p < High  → Medium
//	p < Medium          → Low
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns the default decision thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{High: DefaultHighThreshold, Medium: DefaultMediumThreshold}
}

// Validate requires 0 <= Medium <= High <= 1.
func (t Thresholds) Validate() error {
	if t.High < 0 || t.High > 1 {
		return fmt.Errorf("high-risk threshold %v is outside [0, 1]", t.High)
	}
	if t.Medium < 0 || t.Medium > t.High {
		return fmt.Errorf("medium-risk threshold %v must be within [0, %v]", t.Medium, t.High)
	}
	return nil
}

// Label buckets p.
func (t Thresholds) Label(p float64) RiskLabel {
	switch {
	case p >= t.High:
		return RiskHigh
	case p >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}
