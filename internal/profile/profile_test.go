package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/mqviet/ringlink/internal/store"
)

func TestDirectoryGet(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	id, err := st.Create(ctx, UsersCollection, map[string]any{
		"fullname": "Alice Nguyen",
		"photoURL": "https://example.com/alice.png",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	dir := NewDirectory(st)
	p, err := dir.Get(ctx, id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.DisplayName != "Alice Nguyen" || p.PhotoURL != "https://example.com/alice.png" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}

func TestDirectoryGetMissing(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()

	dir := NewDirectory(st)
	if _, err := dir.Get(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDirectoryGetPartialDoc(t *testing.T) {
	st := store.NewMemory()
	defer st.Close()
	ctx := context.Background()

	id, err := st.Create(ctx, UsersCollection, map[string]any{"fullname": "Bob"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	p, err := NewDirectory(st).Get(ctx, id)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.DisplayName != "Bob" || p.PhotoURL != "" {
		t.Fatalf("unexpected profile: %+v", p)
	}
}
