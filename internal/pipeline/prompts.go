package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Instructions holds the system instruction for every stage. The defaults
// below can be replaced per stage from a YAML file (see config.LoadPrompts).
//
// The signal hunter instruction may contain the placeholders {signal_count},
// {domains} and {horizon}, substituted from the RunConfig.
type Instructions map[Stage]string

// DefaultInstructions returns a fresh copy of the built-in instructions.
func DefaultInstructions() Instructions {
	out := make(Instructions, len(defaultInstructions))
	for k, v := range defaultInstructions {
		out[k] = v
	}
	return out
}

// WithOverrides returns a copy of i with the given stage instructions
// replaced. Keys must be stage names; empty values are ignored.
func (i Instructions) WithOverrides(overrides map[string]string) (Instructions, error) {
	out := make(Instructions, len(i))
	for k, v := range i {
		out[k] = v
	}
	for name, text := range overrides {
		s := Stage(name)
		if !s.Known() {
			return nil, fmt.Errorf("pipeline: unknown stage %q in instruction overrides", name)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out[s] = text
	}
	return out, nil
}

func (i Instructions) system(s Stage, cfg RunConfig) string {
	text := i[s]
	if s == StageSignalHunter {
		text = strings.NewReplacer(
			"{signal_count}", strconv.Itoa(cfg.SignalCount),
			"{domains}", cfg.domainList(),
			"{horizon}", strconv.Itoa(cfg.Horizon),
		).Replace(text)
	}
	return text
}

// ─── USER INSTRUCTIONS ────────────────────────────────────────────────────────
// Each builder reads only the RunConfig and the raw text of earlier stages of
// the same run.

func contextUser(cfg RunConfig) string {
	return fmt.Sprintf(`Establish the baseline profile for %s (scope: %s).
Use web search to gather current, real data. Be specific.
Time horizon for analysis: %d years.
Priority domains: %s`, cfg.Country, cfg.scopeLabel(), cfg.Horizon, cfg.domainList())
}

func signalHunterUser(cfg RunConfig, countryContext string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "COUNTRY CONTEXT:\n%s\n\n", countryContext)
	sb.WriteString("ANALYSIS CONFIGURATION:\n")
	fmt.Fprintf(&sb, "- Country: %s\n", cfg.Country)
	fmt.Fprintf(&sb, "- Scope: %s\n", cfg.scopeLabel())
	fmt.Fprintf(&sb, "- Time horizon: %d years\n", cfg.Horizon)
	fmt.Fprintf(&sb, "- Number of signals to find: %d\n", cfg.SignalCount)
	fmt.Fprintf(&sb, "- Priority domains: %s\n", cfg.domainList())
	if len(cfg.CustomIndicators) > 0 {
		sb.WriteString("\nAdditional country-specific indicators to investigate:\n")
		for _, ci := range cfg.CustomIndicators {
			fmt.Fprintf(&sb, "- %s\n", ci)
		}
	}
	fmt.Fprintf(&sb, "\nHunt for %d weak signals with real, current evidence found through web search. "+
		"Report only signals a mainstream analyst would be likely to dismiss.", cfg.SignalCount)
	return sb.String()
}

func corroborationUser(countryContext, signals string) string {
	return fmt.Sprintf(`COUNTRY CONTEXT:
%s

SIGNALS TO CORROBORATE:
%s

For each signal, search for independent corroboration from a different data modality. Update each reliability score to reflect how strong the corroboration is.`, countryContext, signals)
}

func devilsAdvocateUser(countryContext, signals, corroboration string) string {
	return fmt.Sprintf(`COUNTRY CONTEXT:
%s

SIGNALS IDENTIFIED:
%s

CORROBORATION RESULTS:
%s

For each signal, build the strongest mundane explanation you can. Say plainly when a signal cannot be explained away.`, countryContext, signals, corroboration)
}

func synthesisUser(cfg RunConfig, countryContext, signals, corroboration, challenges string) string {
	return fmt.Sprintf(`COUNTRY: %s
SCOPE: %s
TIME HORIZON: %d years
PRIORITY DOMAINS: %s

COUNTRY CONTEXT:
%s

SIGNAL HUNTER FINDINGS:
%s

CORROBORATION RESULTS:
%s

DEVIL'S ADVOCATE RESULTS:
%s

Synthesize everything: group surviving signals into constellations, compare them with historical pre-crisis patterns, score every signal, trace cascade paths between domains, set monitoring triggers and write the overall assessment.`,
		cfg.Country, cfg.scopeLabel(), cfg.Horizon, cfg.domainList(),
		countryContext, signals, corroboration, challenges)
}

func whatIfUser(cfg RunConfig, prior json.RawMessage, scenario string) string {
	return fmt.Sprintf(`COUNTRY: %s
SCENARIO: %s

EXISTING ANALYSIS:
%s

Evaluate how this scenario would change the risk landscape: which signals it amplifies or dampens, which new signals would emerge, and how effects would cascade between domains.`,
		cfg.Country, scenario, indentJSON(prior))
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}

// ─── DEFAULT SYSTEM INSTRUCTIONS ──────────────────────────────────────────────

var defaultInstructions = Instructions{
	StageContext: `You are an intelligence analyst writing the baseline profile of a country. Weak signals are deviations from normal, so your job is to define normal.

Use web search for current figures and cite dates.

Respond with one JSON object:
{
  "country": "...",
  "economic_structure": {"gdp_usd_billions": 0, "gdp_growth_pct": 0, "top_exports": [], "fx_regime": "...", "debt_to_gdp": 0, "inflation_rate": 0, "key_fiscal_vulnerabilities": []},
  "demographics": {"population_millions": 0, "median_age": 0, "urbanization_pct": 0, "key_demographic_pressures": []},
  "governance": {"government_type": "...", "institutional_quality_summary": "...", "key_governance_risks": []},
  "climate_geography": {"disaster_risk_profile": [], "water_stress_level": "...", "food_import_dependency_pct": 0},
  "logistics": {"key_chokepoints": [], "energy_import_dependency": "...", "infrastructure_quality": "..."},
  "baseline_normal": "two or three sentences describing what stable looks like"
}`,

	StageSignalHunter: `You are the Signal Hunter. You look for weak signals: cross-domain indicators that look like noise but point to an emerging risk before it is obvious. Procurement anomalies, migration micro-patterns, satellite proxies, supply chain drift, health system edge indicators and informal market premiums are in scope. Headline macro moves that every analyst already tracks are not.

For every signal explain why it looks like noise and why it matters anyway. Use web search for real evidence; never invent data.

Find {signal_count} signals across these priority domains: {domains}. Time horizon: {horizon} years.

Respond with JSON only:
{
  "signals": [
    {
      "id": "signal_1",
      "name": "...",
      "domain": "...",
      "description": "...",
      "why_looks_like_noise": "...",
      "why_actually_meaningful": "...",
      "data_source": "...",
      "evidence": "...",
      "signal_tier": 1,
      "preliminary_scores": {"impact": 0, "lead_time": 0, "reliability": 0}
    }
  ]
}`,

	StageCorroboration: `You are the Corroboration Agent. A signal backed by one kind of evidence is not trusted. For each signal, search for confirmation from a different data modality (satellite, procurement, statistics, social media, supply chain, health, financial, local-language sources).

Three or more agreeing modalities is strong; two is moderate; one modality from several sources is weak; a single source is uncorroborated.

Respond with JSON only:
{
  "corroborated_signals": [
    {
      "signal_id": "signal_1",
      "corroboration_strength": "strong|moderate|weak|uncorroborated",
      "modalities_checked": [],
      "corroborating_evidence": [{"modality": "...", "evidence": "...", "source": "...", "supports_signal": true}],
      "gaps": [],
      "updated_reliability_score": 0,
      "corroboration_summary": "..."
    }
  ]
}`,

	StageDevilsAdvocate: `You are the Devil's Advocate. Protect the system from false alarms by giving each signal its most plausible mundane explanation: seasonality, measurement change, one-off events, base effects. Be honest when a signal survives.

Respond with JSON only:
{
  "debunking_results": [
    {
      "signal_id": "signal_1",
      "mundane_explanation": "...",
      "explanation_strength": "strong|moderate|weak",
      "verdict": "survives|weakened|killed",
      "residual_concern": "..."
    }
  ]
}`,

	StageSynthesis: `You are the Synthesis Agent. Combine all earlier findings into a scored assessment. Be explicit about uncertainty.

Score every surviving signal from 0 to 100 on impact, lead_time (higher means the risk is nearer) and reliability. Group related signals into constellations and note any match with a historical pre-crisis pattern.

Respond with JSON only:
{
  "scored_signals": [
    {
      "id": "signal_1",
      "name": "...",
      "domain": "...",
      "scores": {"impact": 0, "lead_time": 0, "reliability": 0},
      "rationale": "..."
    }
  ],
  "constellations": [
    {"name": "...", "category": "...", "signal_ids": [], "fingerprint_match": {"historical_case": "...", "similarity": "..."}}
  ],
  "cascade_paths": [],
  "monitoring_triggers": [],
  "overall_assessment": {"headline": "...", "risk_level": "...", "confidence": "...", "summary": "..."}
}`,

	StageWhatIf: `You are the What-If Scenario Analyst. Given an existing weak-signal analysis and a hypothetical scenario, evaluate how the scenario changes the risk landscape. Use web search for relevant precedent.

Respond with JSON only:
{
  "scenario": "...",
  "amplified_signals": [{"signal_id": "...", "effect": "..."}],
  "diminished_signals": [{"signal_id": "...", "effect": "..."}],
  "new_signals": [{"name": "...", "domain": "...", "description": "..."}],
  "cascade_paths": [],
  "overall_impact": "..."
}`,
}
