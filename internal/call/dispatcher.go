package call

import (
	"context"
	"log"
	"sync"

	"github.com/mqviet/ringlink/internal/profile"
	"github.com/mqviet/ringlink/internal/store"
)

// Dispatcher watches the shared store for calls addressed to the signed-in
// user and surfaces them as incoming-call events. A second call arriving
// while one is active is rejected on the spot, so the caller hears busy
// instead of ringing into the void.
type Dispatcher struct {
	st  store.Store
	eng *Engine
	dir *profile.Directory

	mu      sync.Mutex
	userID  string
	cancel  store.CancelFunc
	ringing map[string]store.CancelFunc
}

// NewDispatcher builds a dispatcher publishing through eng's event bus.
func NewDispatcher(st store.Store, eng *Engine, dir *profile.Directory) *Dispatcher {
	d := &Dispatcher{
		st:      st,
		eng:     eng,
		dir:     dir,
		ringing: make(map[string]store.CancelFunc),
	}
	eng.setRingClaim(d.claim)
	return d
}

// claim drops the ring watch for a call the engine has taken over. The
// engine reports that call's end through its own record watch.
func (d *Dispatcher) claim(id string) {
	d.mu.Lock()
	watch := d.ringing[id]
	delete(d.ringing, id)
	d.mu.Unlock()
	if watch != nil {
		watch()
	}
}

// Listen starts watching for calls to userID, replacing any previous
// listener. An empty userID (sign-out) just stops listening.
func (d *Dispatcher) Listen(userID string) error {
	d.Stop()
	if userID == "" {
		return nil
	}

	filters := []store.Filter{
		{Field: "calleeId", Value: userID},
		{Field: "status", Value: string(StatusCalling)},
	}
	cancel, err := d.st.SubscribeQuery(CallsCollection, filters, d.onChange)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.userID = userID
	d.cancel = cancel
	d.mu.Unlock()
	log.Printf("DISPATCH: listening for calls to %s", userID)
	return nil
}

// Stop tears down the listener and any per-call ring watches.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.userID = ""
	watches := d.ringing
	d.ringing = make(map[string]store.CancelFunc)
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range watches {
		c()
	}
}

func (d *Dispatcher) onChange(ch store.QueryChange) {
	// Only newly ringing calls matter; a record is created in the calling
	// status and never returns to it.
	if ch.Kind != store.Added {
		return
	}
	c := callFromDoc(ch.ID, ch.Data)

	if d.eng.Busy() {
		log.Printf("DISPATCH [%s]: busy, rejecting call from %s", c.ID, c.CallerID)
		if err := d.eng.RejectCall(context.Background(), c.ID); err != nil {
			log.Printf("DISPATCH [%s]: busy-reject: %v", c.ID, err)
		}
		return
	}

	// Callers denormalize their name/photo into the record; fill the gap
	// from the directory when they didn't.
	if c.CallerName == "" && d.dir != nil {
		if p, err := d.dir.Get(context.Background(), c.CallerID); err == nil {
			c.CallerName, c.CallerPhoto = p.DisplayName, p.PhotoURL
		}
	}

	// Watch the record so the notification clears when the caller hangs up
	// or the ring times out before we answer.
	watch, err := d.st.Subscribe(CallsCollection, c.ID, func(snap store.Snapshot) {
		d.onRinging(c.ID, snap)
	})
	if err != nil {
		log.Printf("DISPATCH [%s]: watch: %v", c.ID, err)
	} else {
		d.mu.Lock()
		d.ringing[c.ID] = watch
		d.mu.Unlock()
	}

	log.Printf("DISPATCH [%s]: incoming %s call from %s", c.ID, c.Kind, c.CallerID)
	d.eng.events.publish(Event{Type: EventIncomingCall, CallID: c.ID, Call: &c})
}

func (d *Dispatcher) onRinging(id string, snap store.Snapshot) {
	if !snap.Exists {
		return
	}
	c := callFromDoc(id, snap.Data)
	if !c.Status.Terminal() {
		return
	}

	d.mu.Lock()
	watch := d.ringing[id]
	delete(d.ringing, id)
	d.mu.Unlock()
	if watch != nil {
		watch()
	}

	// If the engine owns this call it reports its own end.
	if cur, ok := d.eng.State(); ok && cur.ID == id {
		return
	}
	log.Printf("DISPATCH [%s]: ring ended (%s)", id, c.Status)
	d.eng.events.publish(Event{Type: EventEnded, CallID: id, Reason: ReasonRemoteEnded})
}
