package artifact

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestMarshal(t *testing.T) {
	t.Run("sorted keys and compact output", func(t *testing.T) {
		got, err := Marshal(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		want := `{"a":1,"b":2,"c":{"y":false,"z":true}}` + "\n"
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("trailing LF", func(t *testing.T) {
		got, err := Marshal([]int{1, 2, 3})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.HasSuffix(got, []byte("\n")) {
			t.Error("output missing trailing LF")
		}
		if bytes.HasSuffix(got, []byte("\n\n")) {
			t.Error("output has more than one trailing LF")
		}
	})

	t.Run("idempotent across key order", func(t *testing.T) {
		a, err := Marshal(map[string]float64{"x": 1.5, "y": 2.5})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		b, err := Marshal(map[string]float64{"y": 2.5, "x": 1.5})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("encodings differ: %q vs %q", a, b)
		}
	})

	t.Run("utf8 passed through verbatim", func(t *testing.T) {
		got, err := Marshal(map[string]string{"msg": "спред ±0.25µ"})
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !strings.Contains(string(got), "спред ±0.25µ") {
			t.Errorf("unicode was escaped: %q", got)
		}
	})

	t.Run("rejects NaN", func(t *testing.T) {
		if _, err := Marshal(map[string]float64{"v": math.NaN()}); !errors.Is(err, ErrNumericDomain) {
			t.Errorf("got %v, want ErrNumericDomain", err)
		}
	})

	t.Run("rejects Inf", func(t *testing.T) {
		if _, err := Marshal([]float64{math.Inf(1)}); !errors.Is(err, ErrNumericDomain) {
			t.Errorf("got %v, want ErrNumericDomain", err)
		}
	})
}

func TestSHA256(t *testing.T) {
	t.Run("stable across key order", func(t *testing.T) {
		a, err := SHA256(map[string]int{"k1": 1, "k2": 2})
		if err != nil {
			t.Fatalf("SHA256 failed: %v", err)
		}
		b, err := SHA256(map[string]int{"k2": 2, "k1": 1})
		if err != nil {
			t.Fatalf("SHA256 failed: %v", err)
		}
		if a != b {
			t.Errorf("digests differ: %s vs %s", a, b)
		}
		if len(a) != 64 {
			t.Errorf("digest length %d, want 64 hex chars", len(a))
		}
	})

	t.Run("changes with value", func(t *testing.T) {
		a, _ := SHA256(map[string]int{"k": 1})
		b, _ := SHA256(map[string]int{"k": 2})
		if a == b {
			t.Error("different values hashed identically")
		}
	})
}

func TestFrozenTime(t *testing.T) {
	t.Run("timestamp returns frozen value verbatim", func(t *testing.T) {
		t.Setenv(FreezeTimeEnv, "2026-01-02T03:04:05Z")
		if got := Timestamp(); got != "2026-01-02T03:04:05Z" {
			t.Errorf("Timestamp() = %q", got)
		}
	})

	t.Run("now parses frozen value", func(t *testing.T) {
		t.Setenv(FreezeTimeEnv, "2026-01-02T03:04:05Z")
		want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if got := Now(); !got.Equal(want) {
			t.Errorf("Now() = %v, want %v", got, want)
		}
	})

	t.Run("unparseable frozen value falls back to real clock", func(t *testing.T) {
		t.Setenv(FreezeTimeEnv, "not-a-time")
		if got := Now(); time.Since(got) > time.Minute {
			t.Errorf("Now() = %v, expected wall clock", got)
		}
	})
}
