package call

import "sync"

// EventType identifies one engine event.
type EventType string

const (
	// EventLocalStream — local capture is live; Local carries the stream.
	EventLocalStream EventType = "local-stream"
	// EventRemoteTrack — a remote media track arrived; Remote carries it.
	EventRemoteTrack EventType = "remote-track"
	// EventIncomingCall — a call addressed to this identity is ringing;
	// Call carries the enriched record.
	EventIncomingCall EventType = "incoming-call"
	// EventAccepted — the call was accepted (answer applied on the caller,
	// answer published on the callee).
	EventAccepted EventType = "accepted"
	// EventRejected — the peer rejected the call.
	EventRejected EventType = "rejected"
	// EventEnded — the call is over; Reason says why.
	EventEnded EventType = "ended"
)

// End reasons carried on EventEnded.
const (
	ReasonHangup      = "hangup"
	ReasonTimeout     = "timeout"
	ReasonRemoteEnded = "remote-ended"
	ReasonFailed      = "connection-failed"
	ReasonSetupError  = "setup-error"
)

// Event is one engine notification.
type Event struct {
	Type   EventType
	CallID string
	Call   *CallData
	Reason string
	Local  LocalStream
	Remote RemoteTrack
}

// Events fans engine notifications out to any number of listeners, so
// several UI surfaces can observe a call without overwriting each other's
// handler. Delivery is non-blocking; a saturated listener loses events
// rather than stalling the engine.
type Events struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

// NewEvents creates an empty event bus.
func NewEvents() *Events {
	return &Events{listeners: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of engine events and a cancel func.
func (e *Events) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 16)

	e.mu.Lock()
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()

	cancel = func() {
		e.mu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Events) publish(ev Event) {
	e.mu.RLock()
	for ch := range e.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	e.mu.RUnlock()
}
