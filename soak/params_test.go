package soak

import (
	"errors"
	"math"
	"testing"
)

func TestClampParam(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		in      float64
		want    float64
		wantErr error
	}{
		{name: "inside bound", key: "min_interval_ms", in: 75, want: 75},
		{name: "clamped to lo", key: "min_interval_ms", in: 10, want: 40},
		{name: "clamped to hi", key: "min_interval_ms", in: 500, want: 120},
		{name: "spread delta hi", key: "base_spread_bps_delta", in: 0.4, want: 0.25},
		{name: "unknown key", key: "spread_bps", in: 1, wantErr: ErrUnknownParameter},
		{name: "nan rejected", key: "tail_age_ms", in: math.NaN(), wantErr: ErrNumericDomain},
		{name: "inf rejected", key: "tail_age_ms", in: math.Inf(-1), wantErr: ErrNumericDomain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClampParam(tt.key, tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got err %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateOverrides(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		if err := ValidateOverrides(DefaultOverrides()); err != nil {
			t.Errorf("defaults rejected: %v", err)
		}
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		err := ValidateOverrides(map[string]float64{"quote_ttl_ms": 100})
		if !errors.Is(err, ErrUnknownParameter) {
			t.Errorf("got %v, want ErrUnknownParameter", err)
		}
	})

	t.Run("out of bound rejected", func(t *testing.T) {
		err := ValidateOverrides(map[string]float64{"min_interval_ms": 30})
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Code != "OVERRIDE_OUT_OF_BOUNDS" {
			t.Errorf("got %v, want OVERRIDE_OUT_OF_BOUNDS", err)
		}
	})
}

func TestParamNames(t *testing.T) {
	names := ParamNames()
	if len(names) != 6 {
		t.Fatalf("got %d params, want 6", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("names not sorted: %v", names)
		}
	}
	for _, name := range names {
		if !KnownParam(name) {
			t.Errorf("listed name %q not known", name)
		}
		if _, ok := defaultOverrides[name]; !ok {
			t.Errorf("param %q has no default", name)
		}
	}
}
