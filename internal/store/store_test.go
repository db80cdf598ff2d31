package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// the suite runs against every backend; the relay client gets the same
// treatment end-to-end in the relay package.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func collect[T any](buf int) (func(T), chan T) {
	ch := make(chan T, buf)
	return func(v T) { ch <- v }, ch
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectQuiet[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStoreCreateGetMerge(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			id, err := st.Create(ctx, "calls", Doc{"status": "calling", "callerId": "a"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if id == "" {
				t.Fatal("empty id")
			}

			doc, ok, err := st.Get(ctx, "calls", id)
			if err != nil || !ok {
				t.Fatalf("Get: %v ok=%v", err, ok)
			}
			if doc["status"] != "calling" {
				t.Errorf("status = %v", doc["status"])
			}

			if err := st.Merge(ctx, "calls", id, Doc{"status": "accepted"}); err != nil {
				t.Fatalf("Merge: %v", err)
			}
			doc, _, _ = st.Get(ctx, "calls", id)
			if doc["status"] != "accepted" || doc["callerId"] != "a" {
				t.Errorf("merge lost fields: %v", doc)
			}

			if err := st.Merge(ctx, "calls", "missing", Doc{"x": 1}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Merge missing = %v, want ErrNotFound", err)
			}
			if _, ok, err := st.Get(ctx, "calls", "missing"); err != nil || ok {
				t.Errorf("Get missing: ok=%v err=%v", ok, err)
			}

			if _, err := st.Create(ctx, "bad/name", Doc{}); err == nil {
				t.Error("Create accepted a collection name with '/'")
			}
		})
	}
}

func TestStoreSubscribeReplaysThenFollows(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			id, err := st.Create(ctx, "calls", Doc{"status": "calling"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			fn, snaps := collect[Snapshot](16)
			cancel, err := st.Subscribe("calls", id, fn)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			defer cancel()

			first := recv(t, snaps, "initial snapshot")
			if !first.Exists || first.Data["status"] != "calling" {
				t.Fatalf("initial snapshot: %+v", first)
			}

			if err := st.Merge(ctx, "calls", id, Doc{"status": "accepted"}); err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if err := st.Merge(ctx, "calls", id, Doc{"status": "ended"}); err != nil {
				t.Fatalf("Merge: %v", err)
			}

			// Notifications arrive in write order.
			if s := recv(t, snaps, "first change"); s.Data["status"] != "accepted" {
				t.Errorf("first change: %+v", s)
			}
			if s := recv(t, snaps, "second change"); s.Data["status"] != "ended" {
				t.Errorf("second change: %+v", s)
			}

			cancel()
			_ = st.Merge(ctx, "calls", id, Doc{"status": "late"})
			expectQuiet(t, snaps, "snapshot after cancel")
		})
	}
}

func TestStoreSubscribeMissingDoc(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			fn, snaps := collect[Snapshot](16)
			cancel, err := st.Subscribe("calls", "nothing-yet", fn)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			defer cancel()

			if first := recv(t, snaps, "initial snapshot"); first.Exists {
				t.Fatalf("snapshot for absent doc: %+v", first)
			}
			_ = ctx
		})
	}
}

func TestStoreSubscribeQuery(t *testing.T) {
	ctx := context.Background()
	filters := []Filter{
		{Field: "calleeId", Value: "bob"},
		{Field: "status", Value: "calling"},
	}
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			pre, err := st.Create(ctx, "calls", Doc{"calleeId": "bob", "status": "calling"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := st.Create(ctx, "calls", Doc{"calleeId": "carol", "status": "calling"}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			fn, changes := collect[QueryChange](16)
			cancel, err := st.SubscribeQuery("calls", filters, fn)
			if err != nil {
				t.Fatalf("SubscribeQuery: %v", err)
			}
			defer cancel()

			// The pre-existing match replays as Added; carol's call never shows.
			replay := recv(t, changes, "replayed match")
			if replay.Kind != Added || replay.ID != pre {
				t.Fatalf("replay: %+v", replay)
			}

			live, err := st.Create(ctx, "calls", Doc{"calleeId": "bob", "status": "calling"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			added := recv(t, changes, "live Added")
			if added.Kind != Added || added.ID != live {
				t.Fatalf("live added: %+v", added)
			}

			// A doc that stops matching goes silent rather than erroring.
			if err := st.Merge(ctx, "calls", live, Doc{"status": "accepted"}); err != nil {
				t.Fatalf("Merge: %v", err)
			}
			expectQuiet(t, changes, "change for non-matching doc")
		})
	}
}

func TestStoreSubscribeQueryModified(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			fn, changes := collect[QueryChange](16)
			cancel, err := st.SubscribeQuery("calls", []Filter{{Field: "calleeId", Value: "bob"}}, fn)
			if err != nil {
				t.Fatalf("SubscribeQuery: %v", err)
			}
			defer cancel()

			id, err := st.Create(ctx, "calls", Doc{"calleeId": "bob", "status": "calling"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if ch := recv(t, changes, "Added"); ch.Kind != Added {
				t.Fatalf("first change: %+v", ch)
			}

			if err := st.Merge(ctx, "calls", id, Doc{"status": "accepted"}); err != nil {
				t.Fatalf("Merge: %v", err)
			}
			ch := recv(t, changes, "Modified")
			if ch.Kind != Modified || ch.Data["status"] != "accepted" {
				t.Fatalf("modified change: %+v", ch)
			}
		})
	}
}

func TestStoreAppends(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			id, err := st.Create(ctx, "calls", Doc{"status": "calling"})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			for _, c := range []string{"c1", "c2", "c3"} {
				if err := st.Append(ctx, "calls", id, "callerCandidates", Doc{"candidate": c}); err != nil {
					t.Fatalf("Append %s: %v", c, err)
				}
			}

			fn, docs := collect[Doc](16)
			cancel, err := st.SubscribeAppends("calls", id, "callerCandidates", fn)
			if err != nil {
				t.Fatalf("SubscribeAppends: %v", err)
			}
			defer cancel()

			// Replay preserves append order, then live appends follow.
			for _, want := range []string{"c1", "c2", "c3"} {
				if d := recv(t, docs, "replayed append"); d["candidate"] != want {
					t.Fatalf("replay order: got %v, want %s", d["candidate"], want)
				}
			}
			if err := st.Append(ctx, "calls", id, "callerCandidates", Doc{"candidate": "c4"}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if d := recv(t, docs, "live append"); d["candidate"] != "c4" {
				t.Fatalf("live append: %v", d)
			}

			// The other side's subcollection is isolated.
			fn2, other := collect[Doc](16)
			cancel2, err := st.SubscribeAppends("calls", id, "calleeCandidates", fn2)
			if err != nil {
				t.Fatalf("SubscribeAppends: %v", err)
			}
			defer cancel2()
			expectQuiet(t, other, "append from the wrong subcollection")
		})
	}
}

func TestStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	id, err := st.Create(ctx, "calls", Doc{"status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	doc, _, _ := st.Get(ctx, "calls", id)
	doc["status"] = "mutated"

	again, _, _ := st.Get(ctx, "calls", id)
	if again["status"] != "calling" {
		t.Error("Get returned shared state")
	}
}
