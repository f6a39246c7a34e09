// Package scoring implements the deterministic rubric applied to every scored
// signal after synthesis. It is intentionally dependency-free: it imports
// nothing from internal/ and can be tested without a model or a database.
//
// The three raw sub-scores (impact, lead time, reliability) come from the
// model and are trusted as given. The derived scores and the risk band are
// always recomputed here and overwrite whatever the model proposed.
package scoring

import "math"

// ─── CONSTANTS ────────────────────────────────────────────────────────────────

// Near-term weighting favours lead time: how soon the signal bites.
const (
	nearTermImpact      = 0.35
	nearTermLeadTime    = 0.45
	nearTermReliability = 0.20
)

// Structural weighting favours impact: how deep the damage goes.
const (
	structuralImpact      = 0.55
	structuralLeadTime    = 0.20
	structuralReliability = 0.25
)

// Overall blends both views and counts raw impact once more on its own.
const (
	overallNearTerm   = 0.25
	overallImpact     = 0.50
	overallStructural = 0.25
)

// Band thresholds are inclusive lower bounds on the rounded overall score.
const (
	redActionThreshold = 75.0
	redWatchThreshold  = 60.0
	amberThreshold     = 40.0
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// RiskBand is the four-bucket severity classification. String values are the
// wire values the frontend renders.
type RiskBand string

const (
	BandGreen     RiskBand = "green"      // background noise
	BandAmber     RiskBand = "amber"      // worth monitoring
	BandRedWatch  RiskBand = "red_watch"  // escalate, watch closely
	BandRedAction RiskBand = "red_action" // act now
)

// Scores is the full output of Score. Every field is rounded to one decimal.
type Scores struct {
	Impact      float64  `json:"impact"`
	LeadTime    float64  `json:"lead_time"`
	Reliability float64  `json:"reliability"`
	NearTerm    float64  `json:"near_term"`
	Structural  float64  `json:"structural"`
	Overall     float64  `json:"overall"`
	Band        RiskBand `json:"risk_band"`
}

// ─── CORE FUNCTIONS ───────────────────────────────────────────────────────────

// round1 rounds half away from zero to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Score computes the derived scores and risk band for one signal.
//
// Inputs are not clamped: a model that returns 130 for impact gets a score
// above 100. Overall is computed from the rounded near-term and structural
// values, and the band from the rounded overall, so the published numbers
// always agree with each other.
func Score(impact, leadTime, reliability float64) Scores {
	nearTerm := round1(nearTermImpact*impact + nearTermLeadTime*leadTime + nearTermReliability*reliability)
	structural := round1(structuralImpact*impact + structuralLeadTime*leadTime + structuralReliability*reliability)
	overall := round1(overallNearTerm*nearTerm + overallImpact*impact + overallStructural*structural)

	return Scores{
		Impact:      round1(impact),
		LeadTime:    round1(leadTime),
		Reliability: round1(reliability),
		NearTerm:    nearTerm,
		Structural:  structural,
		Overall:     overall,
		Band:        GetBand(overall),
	}
}

// GetBand classifies an overall score. Thresholds are closed below:
//
//	overall >= 75 → red_action
//	overall >= 60 → red_watch
//	overall >= 40 → amber
//	otherwise     → green
func GetBand(overall float64) RiskBand {
	switch {
	case overall >= redActionThreshold:
		return BandRedAction
	case overall >= redWatchThreshold:
		return BandRedWatch
	case overall >= amberThreshold:
		return BandAmber
	default:
		return BandGreen
	}
}

// ─── AGGREGATE HELPERS ────────────────────────────────────────────────────────

// CountByBand tallies how many of the given scores fall in each band. Bands
// with no members are absent from the map.
func CountByBand(scores []Scores) map[RiskBand]int {
	out := make(map[RiskBand]int, 4)
	for _, s := range scores {
		out[s.Band]++
	}
	return out
}

// Highest returns the most severe band among scores, or BandGreen for an
// empty slice.
func Highest(scores []Scores) RiskBand {
	best := BandGreen
	for _, s := range scores {
		if severity(s.Band) > severity(best) {
			best = s.Band
		}
	}
	return best
}

func severity(b RiskBand) int {
	switch b {
	case BandRedAction:
		return 3
	case BandRedWatch:
		return 2
	case BandAmber:
		return 1
	default:
		return 0
	}
}
