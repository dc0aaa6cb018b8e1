package store

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreContract(t, s)

	t.Run("deep copies on save and load", func(t *testing.T) {
		ctx := context.Background()
		src := []byte("original")
		if err := s.Save(ctx, "copies", 1, src); err != nil {
			t.Fatal(err)
		}
		src[0] = 'X'

		got, err := s.Load(ctx, "copies", 1)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "original" {
			t.Errorf("stored bytes aliased the caller's slice: %q", got)
		}
		got[0] = 'Y'
		again, err := s.Load(ctx, "copies", 1)
		if err != nil {
			t.Fatal(err)
		}
		if string(again) != "original" {
			t.Errorf("loaded bytes aliased the store's slice: %q", again)
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		ctx := context.Background()
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, "r", 1, []byte("x")); err == nil {
			t.Error("Save succeeded on closed store")
		}
		if _, err := s.Load(ctx, "r", 1); err == nil {
			t.Error("Load succeeded on closed store")
		}
		if err := s.Close(); err != nil {
			t.Errorf("double close: %v", err)
		}
	})
}
