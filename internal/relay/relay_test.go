package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mqviet/ringlink/internal/store"
)

// startRelay runs a relay on an ephemeral port over an in-memory store and
// returns its WebSocket URL.
func startRelay(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New("127.0.0.1:0", store.NewMemory())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(cancel)
	return srv.URL()
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
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

func TestRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	c := dial(t, url)

	id, err := c.Create(ctx, "calls", store.Doc{"callerId": "alice", "status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	doc, ok, err := c.Get(ctx, "calls", id)
	if err != nil || !ok {
		t.Fatalf("Get: %v ok=%v", err, ok)
	}
	if doc["callerId"] != "alice" {
		t.Errorf("doc = %v", doc)
	}

	if err := c.Merge(ctx, "calls", id, store.Doc{"status": "accepted"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	doc, _, _ = c.Get(ctx, "calls", id)
	if doc["status"] != "accepted" {
		t.Errorf("merged doc = %v", doc)
	}

	// Store sentinels survive the wire.
	if err := c.Merge(ctx, "calls", "missing", store.Doc{"x": "y"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Merge missing = %v, want ErrNotFound", err)
	}

	if err := c.Append(ctx, "calls", id, "callerCandidates", store.Doc{"candidate": "c1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestRelaySubscriptionsAcrossClients(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	alice := dial(t, url)
	bob := dial(t, url)

	// Bob watches for ringing calls before any exist.
	changes := make(chan store.QueryChange, 16)
	cancelQ, err := bob.SubscribeQuery("calls", []store.Filter{
		{Field: "calleeId", Value: "bob"},
		{Field: "status", Value: "calling"},
	}, func(ch store.QueryChange) { changes <- ch })
	if err != nil {
		t.Fatalf("SubscribeQuery: %v", err)
	}
	defer cancelQ()

	id, err := alice.Create(ctx, "calls", store.Doc{"calleeId": "bob", "status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	added := recv(t, changes, "Added")
	if added.Kind != store.Added || added.ID != id {
		t.Fatalf("added = %+v", added)
	}

	// Bob follows the record; the initial snapshot replays first.
	snaps := make(chan store.Snapshot, 16)
	cancelD, err := bob.Subscribe("calls", id, func(s store.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelD()
	if s := recv(t, snaps, "initial snapshot"); !s.Exists || s.Data["status"] != "calling" {
		t.Fatalf("initial snapshot = %+v", s)
	}

	if err := alice.Merge(ctx, "calls", id, store.Doc{"status": "ended"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if s := recv(t, snaps, "change"); s.Data["status"] != "ended" {
		t.Fatalf("change = %+v", s)
	}
}

func TestRelayAppendReplayOrder(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	alice := dial(t, url)
	bob := dial(t, url)

	id, err := alice.Create(ctx, "calls", store.Doc{"status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Candidates written before the peer subscribes must replay in order.
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := alice.Append(ctx, "calls", id, "callerCandidates", store.Doc{"candidate": c}); err != nil {
			t.Fatalf("Append %s: %v", c, err)
		}
	}

	docs := make(chan store.Doc, 16)
	cancel, err := bob.SubscribeAppends("calls", id, "callerCandidates", func(d store.Doc) { docs <- d })
	if err != nil {
		t.Fatalf("SubscribeAppends: %v", err)
	}
	defer cancel()

	for _, want := range []string{"c1", "c2", "c3"} {
		if d := recv(t, docs, "replayed candidate"); d["candidate"] != want {
			t.Fatalf("replay order: got %v, want %s", d["candidate"], want)
		}
	}

	if err := alice.Append(ctx, "calls", id, "callerCandidates", store.Doc{"candidate": "c4"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if d := recv(t, docs, "live candidate"); d["candidate"] != "c4" {
		t.Fatalf("live candidate = %v", d)
	}
}

func TestRelayUnsubscribeStopsEvents(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	c := dial(t, url)

	id, err := c.Create(ctx, "calls", store.Doc{"status": "calling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	snaps := make(chan store.Snapshot, 16)
	cancel, err := c.Subscribe("calls", id, func(s store.Snapshot) { snaps <- s })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recv(t, snaps, "initial snapshot")

	cancel()
	if err := c.Merge(ctx, "calls", id, store.Doc{"status": "ended"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	select {
	case s := <-snaps:
		t.Fatalf("event after unsubscribe: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayClientClosed(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)
	c := dial(t, url)
	c.Close()

	if _, err := c.Create(ctx, "calls", store.Doc{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after close = %v, want ErrClosed", err)
	}
	if _, err := c.Subscribe("calls", "x", func(store.Snapshot) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after close = %v, want ErrClosed", err)
	}
}
