// Package call implements peer-to-peer call signaling and lifecycle over a
// shared document store used as a relay. It is designed to be maximally
// standalone — coupling to the storage and capture layers is via the
// store.Store and Media interfaces only.
package call

import (
	"errors"
	"time"

	"github.com/mqviet/ringlink/internal/store"
)

// CallsCollection is the shared collection holding one record per call
// attempt. Records are never deleted by the engine; they double as call
// history.
const CallsCollection = "calls"

// Kind of media requested for a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Video reports whether the call carries video.
func (k Kind) Video() bool { return k == KindVideo }

// Status of a call record. Transitions are monotonic: calling may move to
// accepted, rejected or ended; accepted may move to ended; rejected and
// ended are terminal.
type Status string

const (
	StatusCalling  Status = "calling"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Role of a participant. Each side appends only to its own candidate
// subcollection and listens only to the peer's.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Other returns the peer's role.
func (r Role) Other() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// candidateSub is the subcollection name for one side's candidates.
func candidateSub(r Role) string {
	return string(r) + "Candidates"
}

// SessionDescription is the transport's negotiated capabilities payload
// (offer or answer). Opaque to the engine — ferried through the store
// unmodified.
type SessionDescription struct {
	Type string
	SDP  string
}

// Candidate is one discovered network path, opaque to the engine.
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// CallData is one call attempt as persisted in the store, plus display
// metadata joined in from user profiles.
type CallData struct {
	ID        string
	CallerID  string
	CalleeID  string
	Kind      Kind
	Status    Status
	CreatedAt time.Time

	CallerName  string
	CallerPhoto string
	CalleeName  string
	CalleePhoto string

	Offer  *SessionDescription
	Answer *SessionDescription
}

var (
	// ErrCallActive — a call is already in progress on this engine.
	ErrCallActive = errors.New("call already in progress")
	// ErrMediaAccess — capture permission refused or hardware unavailable.
	ErrMediaAccess = errors.New("cannot access camera/microphone")
	// ErrNoOffer — the call record exists but carries no offer yet.
	ErrNoOffer = errors.New("call record has no offer")
	// ErrCallNotFound — no such call record in the store.
	ErrCallNotFound = errors.New("call not found")
	// ErrNoActiveCall — an in-call control was used with no call active.
	ErrNoActiveCall = errors.New("no active call")
)

// ── store document mapping ──
// Field names are the shared schema both participants read; they match the
// application layer's call documents (callerId, calleeId, type, status,
// offer, answer, callerCandidates/calleeCandidates).

func descToDoc(d SessionDescription) store.Doc {
	return store.Doc{"type": d.Type, "sdp": d.SDP}
}

func descFromDoc(v any) *SessionDescription {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	d := &SessionDescription{}
	if s, ok := m["type"].(string); ok {
		d.Type = s
	}
	if s, ok := m["sdp"].(string); ok {
		d.SDP = s
	}
	if d.SDP == "" {
		return nil
	}
	return d
}

func candidateToDoc(c Candidate) store.Doc {
	return store.Doc{
		"candidate":     c.Candidate,
		"sdpMid":        c.SDPMid,
		"sdpMLineIndex": float64(c.SDPMLineIndex),
	}
}

func candidateFromDoc(d store.Doc) Candidate {
	c := Candidate{}
	if s, ok := d["candidate"].(string); ok {
		c.Candidate = s
	}
	if s, ok := d["sdpMid"].(string); ok {
		c.SDPMid = s
	}
	switch v := d["sdpMLineIndex"].(type) {
	case float64:
		c.SDPMLineIndex = uint16(v)
	case int:
		c.SDPMLineIndex = uint16(v)
	case int64:
		c.SDPMLineIndex = uint16(v)
	}
	return c
}

func callFromDoc(id string, d store.Doc) CallData {
	c := CallData{ID: id}
	if s, ok := d["callerId"].(string); ok {
		c.CallerID = s
	}
	if s, ok := d["calleeId"].(string); ok {
		c.CalleeID = s
	}
	if s, ok := d["type"].(string); ok {
		c.Kind = Kind(s)
	}
	if s, ok := d["status"].(string); ok {
		c.Status = Status(s)
	}
	if s, ok := d["callerName"].(string); ok {
		c.CallerName = s
	}
	if s, ok := d["callerPhoto"].(string); ok {
		c.CallerPhoto = s
	}
	if s, ok := d["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			c.CreatedAt = t
		}
	}
	c.Offer = descFromDoc(d["offer"])
	c.Answer = descFromDoc(d["answer"])
	return c
}
