package identity

import (
	"testing"
	"time"
)

func TestEnsureCreatesAndReloads(t *testing.T) {
	dir := t.TempDir()

	p, err := Ensure(dir)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	id, ok := p.Current()
	if !ok || id.ID == "" {
		t.Fatalf("no identity after Ensure: %+v ok=%v", id, ok)
	}

	// The same identity comes back on restart.
	p2, err := Ensure(dir)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	id2, _ := p2.Current()
	if id2.ID != id.ID {
		t.Errorf("identity changed across restarts: %s vs %s", id.ID, id2.ID)
	}
}

func TestSignInSignOutNotifies(t *testing.T) {
	p, err := Ensure(t.TempDir())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	ch, cancel := p.Subscribe()
	defer cancel()

	want := Identity{ID: "user-1", Email: "a@example.org", DisplayName: "Alice"}
	if err := p.SignIn(want); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	select {
	case got := <-ch:
		if got == nil || got.ID != "user-1" {
			t.Fatalf("sign-in notification: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no sign-in notification")
	}

	p.SignOut()
	select {
	case got := <-ch:
		if got != nil {
			t.Fatalf("sign-out notification carries identity: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no sign-out notification")
	}
	if _, ok := p.Current(); ok {
		t.Error("still signed in after SignOut")
	}

	// The file survives sign-out; sign-in state does not.
	if err := p.SignIn(want); err != nil {
		t.Fatalf("re-SignIn: %v", err)
	}
}

func TestSignInRequiresID(t *testing.T) {
	p, err := Ensure(t.TempDir())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := p.SignIn(Identity{DisplayName: "nobody"}); err == nil {
		t.Error("SignIn accepted an empty id")
	}
}
