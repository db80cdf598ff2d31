package store

import (
	"log"
	"sync"
)

// subEventCap is the per-subscription delivery buffer. A subscriber that
// falls this far behind starts losing notifications, which is logged.
const subEventCap = 64

// hub fans document changes out to subscriptions. Both the memory and the
// SQLite store publish into the same hub after each successful write, so
// subscription behavior is identical across backends.
//
// Each subscription gets its own goroutine and buffered channel: callbacks
// run in registration-independent order across subscriptions, but strictly
// in publish order within one subscription.
type hub struct {
	mu       sync.Mutex
	closed   bool
	docSubs  map[string]map[*subscriber]struct{} // collection/id
	qrySubs  map[string]map[*querySub]struct{}   // collection
	appSubs  map[string]map[*subscriber]struct{} // collection/id/sub
}

type subscriber struct {
	ch   chan any
	done chan struct{}
	once sync.Once
}

type querySub struct {
	*subscriber
	filters []Filter
	seen    map[string]struct{} // doc ids already delivered as Added
}

func newHub() *hub {
	return &hub{
		docSubs: make(map[string]map[*subscriber]struct{}),
		qrySubs: make(map[string]map[*querySub]struct{}),
		appSubs: make(map[string]map[*subscriber]struct{}),
	}
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan any, subEventCap),
		done: make(chan struct{}),
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// push enqueues one event, dropping it when the subscriber is saturated.
func (s *subscriber) push(ev any) {
	select {
	case s.ch <- ev:
	default:
		log.Printf("STORE: subscriber overflow, dropping event")
	}
}

// run invokes fn for each event until the subscription is cancelled.
func (s *subscriber) run(fn func(any)) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			fn(ev)
		}
	}
}

// subscribeDoc registers a document subscription and replays the current
// snapshot before any live event.
func (h *hub) subscribeDoc(collection, id string, current Snapshot, fn func(Snapshot)) CancelFunc {
	sub := newSubscriber()
	key := docKey(collection, id)

	h.mu.Lock()
	if h.docSubs[key] == nil {
		h.docSubs[key] = make(map[*subscriber]struct{})
	}
	h.docSubs[key][sub] = struct{}{}
	sub.push(current)
	h.mu.Unlock()

	go sub.run(func(ev any) { fn(ev.(Snapshot)) })

	return func() {
		h.mu.Lock()
		delete(h.docSubs[key], sub)
		h.mu.Unlock()
		sub.stop()
	}
}

// subscribeQuery registers a collection query subscription. existing is the
// set of documents that already match, replayed as Added.
func (h *hub) subscribeQuery(collection string, filters []Filter, existing []Snapshot, fn func(QueryChange)) CancelFunc {
	sub := &querySub{
		subscriber: newSubscriber(),
		filters:    filters,
		seen:       make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.qrySubs[collection] == nil {
		h.qrySubs[collection] = make(map[*querySub]struct{})
	}
	h.qrySubs[collection][sub] = struct{}{}
	for _, snap := range existing {
		sub.seen[snap.ID] = struct{}{}
		sub.push(QueryChange{Kind: Added, ID: snap.ID, Data: snap.Data})
	}
	h.mu.Unlock()

	go sub.run(func(ev any) { fn(ev.(QueryChange)) })

	return func() {
		h.mu.Lock()
		delete(h.qrySubs[collection], sub)
		h.mu.Unlock()
		sub.stop()
	}
}

// subscribeAppends registers a subcollection subscription, replaying the
// existing records in append order first.
func (h *hub) subscribeAppends(collection, id, subName string, existing []Doc, fn func(Doc)) CancelFunc {
	sub := newSubscriber()
	key := subKey(collection, id, subName)

	h.mu.Lock()
	if h.appSubs[key] == nil {
		h.appSubs[key] = make(map[*subscriber]struct{})
	}
	h.appSubs[key][sub] = struct{}{}
	for _, d := range existing {
		sub.push(d)
	}
	h.mu.Unlock()

	go sub.run(func(ev any) { fn(ev.(Doc)) })

	return func() {
		h.mu.Lock()
		delete(h.appSubs[key], sub)
		h.mu.Unlock()
		sub.stop()
	}
}

// publishDoc notifies document and query subscribers of one write.
func (h *hub) publishDoc(collection, id string, data Doc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for sub := range h.docSubs[docKey(collection, id)] {
		sub.push(Snapshot{ID: id, Exists: true, Data: data.Clone()})
	}

	for sub := range h.qrySubs[collection] {
		if !matchesAll(sub.filters, data) {
			continue
		}
		kind := Modified
		if _, ok := sub.seen[id]; !ok {
			sub.seen[id] = struct{}{}
			kind = Added
		}
		sub.push(QueryChange{Kind: kind, ID: id, Data: data.Clone()})
	}
}

// publishAppend notifies subcollection subscribers of one append.
func (h *hub) publishAppend(collection, id, subName string, data Doc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.appSubs[subKey(collection, id, subName)] {
		sub.push(data.Clone())
	}
}

// close stops every subscription.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	for _, subs := range h.docSubs {
		for sub := range subs {
			sub.stop()
		}
	}
	for _, subs := range h.qrySubs {
		for sub := range subs {
			sub.stop()
		}
	}
	for _, subs := range h.appSubs {
		for sub := range subs {
			sub.stop()
		}
	}
	h.docSubs = make(map[string]map[*subscriber]struct{})
	h.qrySubs = make(map[string]map[*querySub]struct{})
	h.appSubs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()
}

func matchesAll(filters []Filter, data Doc) bool {
	for _, f := range filters {
		if !f.Matches(data) {
			return false
		}
	}
	return true
}
