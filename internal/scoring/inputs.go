package scoring

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultRawScore is substituted for any raw sub-score the model left out or
// wrote in a form that cannot be read as a number.
const DefaultRawScore = 50.0

// Inputs holds the three raw sub-scores read from a generated signal.
type Inputs struct {
	Impact      float64
	LeadTime    float64
	Reliability float64
}

// ParseInputs reads impact, lead_time and reliability from a decoded JSON
// object, the "scores" block of a synthesis signal.
//
// Models are inconsistent about number formatting, so numeric strings
// ("72", " 64.5 ") are accepted. Anything else falls back to DefaultRawScore.
// A nil map yields all defaults.
func ParseInputs(scores map[string]any) Inputs {
	return Inputs{
		Impact:      number(scores, "impact"),
		LeadTime:    number(scores, "lead_time"),
		Reliability: number(scores, "reliability"),
	}
}

// Score applies the rubric to the parsed inputs.
func (in Inputs) Score() Scores {
	return Score(in.Impact, in.LeadTime, in.Reliability)
}

func number(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return DefaultRawScore
	}

	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return DefaultRawScore
}
