package pipeline

import (
	"log/slog"

	"github.com/nyashahama/early-warning-analyst-backend/internal/extract"
	"github.com/nyashahama/early-warning-analyst-backend/internal/scoring"
)

// normalizeSynthesis adapts a bare list (the model returned only its signals)
// into the synthesis object shape. Objects and absent values pass through.
func normalizeSynthesis(v extract.Value, log *slog.Logger) extract.Value {
	arr, ok := v.AsArray()
	if !ok {
		return v
	}
	log.Warn("pipeline: synthesis returned a list, wrapping as scored_signals", "count", len(arr))
	return extract.Object(map[string]any{
		"scored_signals":     arr,
		"constellations":     []any{},
		"overall_assessment": map[string]any{},
	})
}

// rescoreSignals overwrites near_term, structural, overall and risk_band on
// every entry of scored_signals. Raw sub-scores the model left out are filled
// with scoring.DefaultRawScore; a missing scores object is created. Entries
// that are not objects are left alone. Returns the computed scores in order.
func rescoreSignals(synthesis map[string]any, log *slog.Logger) []scoring.Scores {
	raw, present := synthesis["scored_signals"]
	if !present {
		return nil
	}
	signals, ok := raw.([]any)
	if !ok {
		log.Warn("pipeline: scored_signals is not a list, skipping rescoring")
		return nil
	}

	out := make([]scoring.Scores, 0, len(signals))
	for i, item := range signals {
		sig, ok := item.(map[string]any)
		if !ok {
			log.Warn("pipeline: scored signal is not an object, skipping", "index", i)
			continue
		}

		scores, ok := sig["scores"].(map[string]any)
		if !ok {
			scores = map[string]any{}
			sig["scores"] = scores
		}
		for _, k := range []string{"impact", "lead_time", "reliability"} {
			if scores[k] == nil {
				scores[k] = scoring.DefaultRawScore
			}
		}

		computed := scoring.ParseInputs(scores).Score()
		scores["near_term"] = computed.NearTerm
		scores["structural"] = computed.Structural
		scores["overall"] = computed.Overall
		sig["risk_band"] = string(computed.Band)

		out = append(out, computed)
	}
	return out
}

// logSynthesis writes the per-signal and summary lines operators read after a
// run.
func logSynthesis(synthesis map[string]any, scored []scoring.Scores, log *slog.Logger) {
	if signals, ok := synthesis["scored_signals"].([]any); ok {
		n := 0
		for _, item := range signals {
			sig, ok := item.(map[string]any)
			if !ok || n >= len(scored) {
				continue
			}
			s := scored[n]
			n++
			log.Info("pipeline: scored signal",
				"name", truncate(stringField(sig, "name"), 40),
				"overall", s.Overall,
				"band", s.Band,
				"impact", s.Impact,
				"lead_time", s.LeadTime,
				"reliability", s.Reliability,
			)
		}
	}

	if len(scored) > 0 {
		counts := scoring.CountByBand(scored)
		log.Info("pipeline: band distribution",
			"red_action", counts[scoring.BandRedAction],
			"red_watch", counts[scoring.BandRedWatch],
			"amber", counts[scoring.BandAmber],
			"green", counts[scoring.BandGreen],
			"highest", scoring.Highest(scored),
		)
	}

	if constellations, ok := synthesis["constellations"].([]any); ok {
		for _, item := range constellations {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ids, _ := c["signal_ids"].([]any)
			attrs := []any{
				"name", stringField(c, "name"),
				"category", stringField(c, "category"),
				"signals", len(ids),
			}
			if fp, ok := c["fingerprint_match"].(map[string]any); ok {
				if hc := stringField(fp, "historical_case"); hc != "" {
					attrs = append(attrs, "fingerprint", hc)
				}
			}
			log.Info("pipeline: constellation", attrs...)
		}
	}

	if oa, ok := synthesis["overall_assessment"].(map[string]any); ok {
		log.Info("pipeline: assessment",
			"headline", stringField(oa, "headline"),
			"risk_level", stringField(oa, "risk_level"),
			"confidence", stringField(oa, "confidence"),
		)
	}
}

// countSignals returns the length of the named list in an object value.
func countSignals(v extract.Value, key string) int {
	obj, ok := v.AsObject()
	if !ok {
		return 0
	}
	list, _ := obj[key].([]any)
	return len(list)
}

// countSurvivors returns how many debunking results carry verdict "survives"
// and how many results there are.
func countSurvivors(v extract.Value) (survived, total int) {
	obj, ok := v.AsObject()
	if !ok {
		return 0, 0
	}
	results, _ := obj["debunking_results"].([]any)
	for _, item := range results {
		r, ok := item.(map[string]any)
		if ok && stringField(r, "verdict") == "survives" {
			survived++
		}
	}
	return survived, len(results)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
