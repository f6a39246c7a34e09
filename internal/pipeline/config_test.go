package pipeline_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/early-warning-analyst-backend/internal/pipeline"
)

func TestRunConfig_NormalizeDefaults(t *testing.T) {
	cfg := pipeline.RunConfig{Country: "  Lanka ", CountryCode: " lk"}
	cfg.Normalize()

	assert.Equal(t, "Lanka", cfg.Country)
	assert.Equal(t, "LK", cfg.CountryCode)
	assert.Equal(t, pipeline.ScopeNational, cfg.Scope)
	assert.Equal(t, pipeline.DefaultHorizon, cfg.Horizon)
	assert.Equal(t, pipeline.DefaultSignalCount, cfg.SignalCount)
	assert.Equal(t, pipeline.DefaultDomains, cfg.Domains)
	require.NoError(t, cfg.Validate())

	// The defaults slice must not be shared with the config.
	cfg.Domains[0] = "changed"
	assert.Equal(t, "economy", pipeline.DefaultDomains[0])
}

func TestRunConfig_DomainsDeduplicated(t *testing.T) {
	cfg := pipeline.RunConfig{Country: "X", Domains: []string{"health", "energy", " health", "climate", "energy"}}
	cfg.Normalize()
	assert.Equal(t, []string{"health", "energy", "climate"}, cfg.Domains)
}

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     pipeline.RunConfig
		wantErr string
	}{
		{"missing country", pipeline.RunConfig{}, "country is required"},
		{"horizon too high", pipeline.RunConfig{Country: "X", Horizon: 11}, "horizon"},
		{"horizon negative", pipeline.RunConfig{Country: "X", Horizon: -1}, "horizon"},
		{"signal count too low", pipeline.RunConfig{Country: "X", SignalCount: 9}, "signal_count"},
		{"signal count too high", pipeline.RunConfig{Country: "X", SignalCount: 41}, "signal_count"},
		{"department without name", pipeline.RunConfig{Country: "X", Scope: pipeline.ScopeDepartment}, "department_name"},
		{"unknown scope", pipeline.RunConfig{Country: "X", Scope: "planet"}, "scope must be"},
		{"empty domain", pipeline.RunConfig{Country: "X", Domains: []string{"health", "  "}}, "empty names"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Normalize()
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunConfig_ValidateBounds(t *testing.T) {
	for _, h := range []int{1, 10} {
		for _, n := range []int{10, 40} {
			cfg := pipeline.RunConfig{Country: "X", Horizon: h, SignalCount: n}
			cfg.Normalize()
			assert.NoError(t, cfg.Validate(), "horizon=%d signal_count=%d", h, n)
		}
	}

	dept := pipeline.RunConfig{Country: "X", Scope: pipeline.ScopeDepartment, DepartmentName: "Western"}
	dept.Normalize()
	assert.NoError(t, dept.Validate())
}

func TestRunConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := pipeline.RunConfig{Horizon: 99, SignalCount: 1}
	cfg.Normalize()
	msg := cfg.Validate().Error()
	assert.Equal(t, 3, strings.Count(msg, "\n")+1, msg)
}

// ─── Instructions ─────────────────────────────────────────────────────────────

func TestInstructions_Defaults(t *testing.T) {
	ins := pipeline.DefaultInstructions()
	for _, s := range append(pipeline.Stages, pipeline.StageWhatIf) {
		assert.NotEmpty(t, ins[s], s)
	}
	assert.Contains(t, ins[pipeline.StageSignalHunter], "{signal_count}")
}

func TestInstructions_WithOverrides(t *testing.T) {
	base := pipeline.DefaultInstructions()

	out, err := base.WithOverrides(map[string]string{"synthesis": "custom synthesis", "context": "  "})
	require.NoError(t, err)
	assert.Equal(t, "custom synthesis", out[pipeline.StageSynthesis])
	assert.Equal(t, base[pipeline.StageContext], out[pipeline.StageContext], "blank override is ignored")
	assert.NotEqual(t, "custom synthesis", base[pipeline.StageSynthesis], "receiver must not be modified")

	_, err = base.WithOverrides(map[string]string{"summariser": "x"})
	assert.Error(t, err)
}

func TestStage_Known(t *testing.T) {
	assert.True(t, pipeline.StageWhatIf.Known())
	assert.False(t, pipeline.Stage("other").Known())
	assert.Len(t, pipeline.Stages, 5)
}
