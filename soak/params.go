package soak

import (
	"fmt"
	"math"
	"sort"
)

// Bound is the closed interval a runtime parameter must lie in. Every value
// written to the overrides file is clamped to its declared bound.
type Bound struct {
	Lo float64
	Hi float64
}

// paramBounds is the whitelist of tunable runtime parameters. Keys outside
// this table are rejected by the delta pipeline and by overrides readers.
//
// The per-rule caps in the watcher's proposal table are tighter than these
// intervals; the declared bound here is authoritative at apply time.
var paramBounds = map[string]Bound{
	"min_interval_ms":       {Lo: 40, Hi: 120},
	"base_spread_bps_delta": {Lo: 0, Hi: 0.25},
	"impact_cap_ratio":      {Lo: 0.06, Hi: 0.20},
	"tail_age_ms":           {Lo: 500, Hi: 900},
	"max_delta_ratio":       {Lo: 0.05, Hi: 0.25},
	"replace_rate_per_min":  {Lo: 60, Hi: 360},
}

// defaultOverrides are the values used when the overrides file is absent.
var defaultOverrides = map[string]float64{
	"min_interval_ms":       60,
	"base_spread_bps_delta": 0,
	"impact_cap_ratio":      0.12,
	"tail_age_ms":           650,
	"max_delta_ratio":       0.15,
	"replace_rate_per_min":  300,
}

// KnownParam reports whether key is in the declared parameter whitelist.
func KnownParam(key string) bool {
	_, ok := paramBounds[key]
	return ok
}

// ParamBound returns the declared closed interval for a whitelisted key.
func ParamBound(key string) (Bound, bool) {
	b, ok := paramBounds[key]
	return b, ok
}

// ParamNames returns the whitelisted parameter names in sorted order.
func ParamNames() []string {
	names := make([]string, 0, len(paramBounds))
	for k := range paramBounds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// DefaultOverrides returns a fresh copy of the default runtime overrides.
func DefaultOverrides() map[string]float64 {
	out := make(map[string]float64, len(defaultOverrides))
	for k, v := range defaultOverrides {
		out[k] = v
	}
	return out
}

// ClampParam clamps v into the declared bound for key. It returns
// ErrUnknownParameter for keys outside the whitelist and ErrNumericDomain
// for NaN or infinite values.
func ClampParam(key string, v float64) (float64, error) {
	b, ok := paramBounds[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, key)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%v", ErrNumericDomain, key, v)
	}
	if v < b.Lo {
		return b.Lo, nil
	}
	if v > b.Hi {
		return b.Hi, nil
	}
	return v, nil
}

// ValidateOverrides checks that every key is whitelisted and every value is
// finite and inside its declared bound. Readers of the overrides file reject
// unknown keys rather than ignoring them.
func ValidateOverrides(m map[string]float64) error {
	for k, v := range m {
		b, ok := paramBounds[k]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v", ErrNumericDomain, k, v)
		}
		if v < b.Lo || v > b.Hi {
			return &EngineError{
				Message: fmt.Sprintf("override %s=%v outside [%v, %v]", k, v, b.Lo, b.Hi),
				Code:    "OVERRIDE_OUT_OF_BOUNDS",
			}
		}
	}
	return nil
}
