package store

import (
	"context"
	"errors"
	"testing"
)

// runStoreContract exercises the Store behaviors every backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("latest of unknown run", func(t *testing.T) {
		if _, _, err := s.Latest(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := s.Save(ctx, "run-a", 1, []byte(`{"iteration":1}`)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx, "run-a", 1)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != `{"iteration":1}` {
			t.Errorf("got %q", got)
		}
	})

	t.Run("save replaces", func(t *testing.T) {
		if err := s.Save(ctx, "run-a", 1, []byte(`{"iteration":1,"v":2}`)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx, "run-a", 1)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != `{"iteration":1,"v":2}` {
			t.Errorf("got %q", got)
		}
	})

	t.Run("latest picks highest iteration", func(t *testing.T) {
		for _, n := range []int{3, 7, 5} {
			if err := s.Save(ctx, "run-b", n, []byte{byte('0' + n)}); err != nil {
				t.Fatalf("Save %d failed: %v", n, err)
			}
		}
		got, iter, err := s.Latest(ctx, "run-b")
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if iter != 7 || string(got) != "7" {
			t.Errorf("Latest = %q at %d, want 7", got, iter)
		}
	})

	t.Run("iterations ascending", func(t *testing.T) {
		got, err := s.Iterations(ctx, "run-b")
		if err != nil {
			t.Fatalf("Iterations failed: %v", err)
		}
		want := []int{3, 5, 7}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("load missing iteration", func(t *testing.T) {
		if _, err := s.Load(ctx, "run-b", 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("runs are isolated", func(t *testing.T) {
		got, err := s.Iterations(ctx, "run-a")
		if err != nil {
			t.Fatalf("Iterations failed: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("run-a iterations = %v", got)
		}
	})
}
