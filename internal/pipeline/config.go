package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Scope selects whether a run covers the whole country or one subdivision.
type Scope string

const (
	ScopeNational   Scope = "national"
	ScopeDepartment Scope = "department"
)

// Bounds and defaults for RunConfig.
const (
	DefaultHorizon     = 5
	MinHorizon         = 1
	MaxHorizon         = 10
	DefaultSignalCount = 20
	MinSignalCount     = 10
	MaxSignalCount     = 40
)

// DefaultDomains is used when a request names no domains.
var DefaultDomains = []string{
	"economy",
	"infrastructure",
	"health",
	"climate",
	"food_water",
	"social_cohesion",
	"security",
	"energy",
}

// RunConfig is the immutable input to a run. Call Normalize then Validate
// before handing it to the Sequencer.
type RunConfig struct {
	Country          string   `json:"country"`
	CountryCode      string   `json:"country_code,omitempty"`
	Scope            Scope    `json:"scope"`
	DepartmentName   string   `json:"department_name,omitempty"`
	Horizon          int      `json:"horizon"`
	SignalCount      int      `json:"signal_count"`
	Domains          []string `json:"domains"`
	CustomIndicators []string `json:"custom_indicators,omitempty"`
}

// Normalize trims strings, fills defaults for absent fields and
// de-duplicates domains preserving first occurrence.
func (c *RunConfig) Normalize() {
	c.Country = strings.TrimSpace(c.Country)
	c.CountryCode = strings.ToUpper(strings.TrimSpace(c.CountryCode))
	c.DepartmentName = strings.TrimSpace(c.DepartmentName)

	if c.Scope == "" {
		c.Scope = ScopeNational
	}
	if c.Horizon == 0 {
		c.Horizon = DefaultHorizon
	}
	if c.SignalCount == 0 {
		c.SignalCount = DefaultSignalCount
	}

	if len(c.Domains) == 0 {
		c.Domains = append([]string(nil), DefaultDomains...)
	} else {
		seen := make(map[string]struct{}, len(c.Domains))
		out := make([]string, 0, len(c.Domains))
		for _, d := range c.Domains {
			d = strings.TrimSpace(d)
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
		c.Domains = out
	}

	indicators := c.CustomIndicators[:0:0]
	for _, ci := range c.CustomIndicators {
		if ci = strings.TrimSpace(ci); ci != "" {
			indicators = append(indicators, ci)
		}
	}
	c.CustomIndicators = indicators
}

// Validate reports every problem with c at once.
func (c RunConfig) Validate() error {
	var errs []error

	if c.Country == "" {
		errs = append(errs, errors.New("country is required"))
	}
	switch c.Scope {
	case ScopeNational:
	case ScopeDepartment:
		if c.DepartmentName == "" {
			errs = append(errs, errors.New("department_name is required when scope is department"))
		}
	default:
		errs = append(errs, fmt.Errorf("scope must be %q or %q", ScopeNational, ScopeDepartment))
	}
	if c.Horizon < MinHorizon || c.Horizon > MaxHorizon {
		errs = append(errs, fmt.Errorf("horizon must be between %d and %d", MinHorizon, MaxHorizon))
	}
	if c.SignalCount < MinSignalCount || c.SignalCount > MaxSignalCount {
		errs = append(errs, fmt.Errorf("signal_count must be between %d and %d", MinSignalCount, MaxSignalCount))
	}
	if len(c.Domains) == 0 {
		errs = append(errs, errors.New("domains must not be empty"))
	}
	for _, d := range c.Domains {
		if d == "" {
			errs = append(errs, errors.New("domains must not contain empty names"))
			break
		}
	}

	return errors.Join(errs...)
}

// scopeLabel renders the scope for instructions.
func (c RunConfig) scopeLabel() string {
	if c.Scope == ScopeDepartment && c.DepartmentName != "" {
		return "department: " + c.DepartmentName
	}
	return string(ScopeNational)
}

func (c RunConfig) domainList() string {
	return strings.Join(c.Domains, ", ")
}
