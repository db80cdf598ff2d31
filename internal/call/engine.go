package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mqviet/ringlink/internal/profile"
)

// DefaultRingTimeout is how long an unanswered outgoing call rings before
// the caller gives up and marks it ended.
const DefaultRingTimeout = 30 * time.Second

// session is the local state of the one call this engine is handling.
// All fields are guarded by the engine mutex.
type session struct {
	id       string
	kind     Kind
	role     Role
	remoteID string
	data     CallData
	status   Status

	conn  Connection
	local LocalStream

	// remoteSet flips when the peer's description is applied; candidates
	// arriving before that are parked in pending.
	remoteSet bool
	pending   []Candidate

	cancels []func()
	timer   *time.Timer
	torn    bool
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Signal    *Signal
	Media     Media
	Directory *profile.Directory

	// Self returns the signed-in user id; ok is false when signed out.
	Self func() (id string, ok bool)

	// RingTimeout overrides DefaultRingTimeout when positive.
	RingTimeout time.Duration
}

// Engine is the call lifecycle state machine. It holds at most one active
// call; every transition runs under one mutex, so store callbacks, timer
// fires and API calls never interleave mid-transition. Callbacks that
// arrive for a call that is no longer current are dropped.
type Engine struct {
	sig         *Signal
	media       Media
	dir         *profile.Directory
	self        func() (string, bool)
	ringTimeout time.Duration
	events      *Events

	mu        sync.Mutex
	cur       *session
	ringClaim func(callID string)
}

// NewEngine builds an engine. Signal, Media and Self are required.
func NewEngine(cfg EngineConfig) *Engine {
	rt := cfg.RingTimeout
	if rt <= 0 {
		rt = DefaultRingTimeout
	}
	return &Engine{
		sig:         cfg.Signal,
		media:       cfg.Media,
		dir:         cfg.Directory,
		self:        cfg.Self,
		ringTimeout: rt,
		events:      NewEvents(),
	}
}

// Events exposes the engine's event bus.
func (e *Engine) Events() *Events { return e.events }

// setRingClaim installs the dispatcher hook invoked when this engine takes
// over an incoming call, so the dispatcher's ring watch can be dropped.
func (e *Engine) setRingClaim(fn func(callID string)) {
	e.mu.Lock()
	e.ringClaim = fn
	e.mu.Unlock()
}

// Busy reports whether a call is in progress.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// State returns the current call, if any.
func (e *Engine) State() (CallData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return CallData{}, false
	}
	c := e.cur.data
	c.Status = e.cur.status
	return c, true
}

// StartCall places an outgoing call to calleeID. Media is acquired before
// any record is written, so a capture failure leaves no trace in the store.
// The returned CallData carries the new call's id.
func (e *Engine) StartCall(ctx context.Context, calleeID string, kind Kind) (CallData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	selfID, ok := e.self()
	if !ok {
		return CallData{}, fmt.Errorf("start call: not signed in")
	}
	if e.cur != nil {
		return CallData{}, ErrCallActive
	}

	local, err := e.media.Acquire(kind.Video())
	if err != nil {
		return CallData{}, fmt.Errorf("start call: %w", err)
	}

	s := &session{
		kind:     kind,
		role:     RoleCaller,
		remoteID: calleeID,
		local:    local,
		status:   StatusCalling,
	}
	e.cur = s

	conn, err := e.media.NewConnection(e.observer(s))
	if err != nil {
		e.teardownLocked(s, ReasonSetupError, "")
		return CallData{}, fmt.Errorf("start call: %w", err)
	}
	s.conn = conn

	if err := conn.AttachTracks(local); err != nil {
		e.teardownLocked(s, ReasonSetupError, "")
		return CallData{}, fmt.Errorf("start call: %w", err)
	}

	data := CallData{CallerID: selfID, CalleeID: calleeID, Kind: kind, Status: StatusCalling}
	e.enrich(ctx, &data)

	id, err := e.sig.CreateCall(ctx, data)
	if err != nil {
		e.teardownLocked(s, ReasonSetupError, "")
		return CallData{}, fmt.Errorf("start call: %w", err)
	}
	s.id = id
	data.ID = id
	data.CreatedAt = time.Now().UTC()
	s.data = data

	// From here the record exists; a setup failure must tell the callee
	// the call is off.
	offer, err := conn.CreateOffer()
	if err != nil {
		return CallData{}, e.failLocked(s, fmt.Errorf("create offer: %w", err))
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return CallData{}, e.failLocked(s, fmt.Errorf("set local description: %w", err))
	}
	if err := e.sig.PublishOffer(ctx, id, offer); err != nil {
		return CallData{}, e.failLocked(s, err)
	}

	if err := e.watchLocked(s); err != nil {
		return CallData{}, e.failLocked(s, err)
	}

	sid := id
	s.timer = time.AfterFunc(e.ringTimeout, func() { e.onRingTimeout(s, sid) })

	e.media.StartRoute(kind)
	e.events.publish(Event{Type: EventLocalStream, CallID: id, Local: local})
	log.Printf("CALL [%s]: %s call to %s ringing", id, kind, calleeID)
	return data, nil
}

// AcceptCall answers an incoming call: capture, apply the caller's offer,
// publish the answer together with the accepted status. A capture failure
// writes the rejected status so the caller's side tears down too.
func (e *Engine) AcceptCall(ctx context.Context, callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.self(); !ok {
		return fmt.Errorf("accept call: not signed in")
	}
	if e.cur != nil {
		return ErrCallActive
	}

	data, err := e.sig.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("accept call: %w", err)
	}
	if data.Status != StatusCalling {
		return fmt.Errorf("accept call %s: status is %s", callID, data.Status)
	}
	if data.Offer == nil {
		return fmt.Errorf("accept call %s: %w", callID, ErrNoOffer)
	}

	local, err := e.media.Acquire(data.Kind.Video())
	if err != nil {
		if serr := e.sig.SetStatus(ctx, callID, StatusRejected); serr != nil {
			log.Printf("CALL [%s]: reject after media failure: %v", callID, serr)
		}
		return fmt.Errorf("accept call: %w", err)
	}

	s := &session{
		id:       callID,
		kind:     data.Kind,
		role:     RoleCallee,
		remoteID: data.CallerID,
		data:     data,
		status:   StatusAccepted,
		local:    local,
	}
	e.cur = s

	conn, err := e.media.NewConnection(e.observer(s))
	if err != nil {
		return e.failLocked(s, fmt.Errorf("accept call: %w", err))
	}
	s.conn = conn

	if err := conn.AttachTracks(local); err != nil {
		return e.failLocked(s, fmt.Errorf("accept call: %w", err))
	}
	if err := conn.SetRemoteDescription(*data.Offer); err != nil {
		return e.failLocked(s, fmt.Errorf("apply offer: %w", err))
	}
	s.remoteSet = true

	answer, err := conn.CreateAnswer()
	if err != nil {
		return e.failLocked(s, fmt.Errorf("create answer: %w", err))
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return e.failLocked(s, fmt.Errorf("set local description: %w", err))
	}
	if err := e.sig.PublishAnswer(ctx, callID, answer); err != nil {
		return e.failLocked(s, err)
	}
	s.data.Answer = &answer
	s.data.Status = StatusAccepted

	if err := e.watchLocked(s); err != nil {
		return e.failLocked(s, err)
	}

	// From here this engine owns the call and reports its end itself; the
	// dispatcher's ring watch would double up the terminal event.
	if e.ringClaim != nil {
		e.ringClaim(callID)
	}

	e.media.StartRoute(data.Kind)
	e.events.publish(Event{Type: EventLocalStream, CallID: callID, Local: local})
	c := s.data
	e.events.publish(Event{Type: EventAccepted, CallID: callID, Call: &c})
	log.Printf("CALL [%s]: accepted %s call from %s", callID, data.Kind, data.CallerID)
	return nil
}

// RejectCall declines a ringing call. The rejected status is written even
// when this engine holds no local state for the call, so a callee can
// decline straight from the incoming-call notification.
func (e *Engine) RejectCall(ctx context.Context, callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sig.SetStatus(ctx, callID, StatusRejected); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	if e.cur != nil && e.cur.id == callID {
		e.teardownLocked(e.cur, ReasonHangup, "")
	} else {
		log.Printf("CALL [%s]: rejected", callID)
	}
	return nil
}

// EndCall hangs up the active call. A no-op when nothing is active.
func (e *Engine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.cur
	if s == nil {
		return nil
	}
	e.teardownLocked(s, ReasonHangup, StatusEnded)
	return nil
}

// Close tears down any active call without writing a status transition.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		e.teardownLocked(e.cur, ReasonHangup, StatusEnded)
	}
}

// ── in-call controls ──

func (e *Engine) ToggleAudio() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.local == nil {
		return false, ErrNoActiveCall
	}
	return e.cur.local.ToggleAudio(), nil
}

func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.local == nil {
		return false, ErrNoActiveCall
	}
	return e.cur.local.ToggleVideo(), nil
}

func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.local == nil {
		return ErrNoActiveCall
	}
	return e.cur.local.SwitchCamera()
}

func (e *Engine) SetSpeaker(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ErrNoActiveCall
	}
	e.media.SetSpeaker(on)
	return nil
}

// ── internals ──

// enrich joins display metadata onto a call record. Lookup failures are
// logged and ignored; a call never fails over a missing profile.
func (e *Engine) enrich(ctx context.Context, c *CallData) {
	if e.dir == nil {
		return
	}
	if p, err := e.dir.Get(ctx, c.CallerID); err == nil {
		c.CallerName, c.CallerPhoto = p.DisplayName, p.PhotoURL
	} else {
		log.Printf("CALL: caller profile %s: %v", c.CallerID, err)
	}
	if p, err := e.dir.Get(ctx, c.CalleeID); err == nil {
		c.CalleeName, c.CalleePhoto = p.DisplayName, p.PhotoURL
	} else {
		log.Printf("CALL: callee profile %s: %v", c.CalleeID, err)
	}
}

func (e *Engine) observer(s *session) ConnectionObserver {
	return ConnectionObserver{
		OnCandidate:   func(c Candidate) { e.onLocalCandidate(s, c) },
		OnRemoteTrack: func(t RemoteTrack) { e.onRemoteTrack(s, t) },
		OnStateChange: func(st ConnState) { e.onConnState(s, st) },
	}
}

// watchLocked subscribes to the call record and the peer's candidate
// subcollection. Caller must hold e.mu.
func (e *Engine) watchLocked(s *session) error {
	cancel, err := e.sig.WatchCall(s.id, func(c CallData) { e.onCallUpdate(s, c) })
	if err != nil {
		return fmt.Errorf("watch call: %w", err)
	}
	s.cancels = append(s.cancels, cancel)

	cancel, err = e.sig.WatchCandidates(s.id, s.role.Other(), func(c Candidate) { e.onRemoteCandidate(s, c) })
	if err != nil {
		return fmt.Errorf("watch candidates: %w", err)
	}
	s.cancels = append(s.cancels, cancel)
	return nil
}

// stale reports whether s is no longer the engine's current call. Caller
// must hold e.mu.
func (e *Engine) stale(s *session) bool {
	return e.cur != s || s.torn
}

func (e *Engine) onLocalCandidate(s *session, c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale(s) || s.id == "" {
		return
	}
	if err := e.sig.PublishCandidate(context.Background(), s.id, s.role, c); err != nil {
		log.Printf("CALL [%s]: %v", s.id, err)
	}
}

func (e *Engine) onRemoteCandidate(s *session, c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale(s) {
		return
	}
	if !s.remoteSet {
		// Candidates can land before the answer does; park them until the
		// remote description is applied.
		s.pending = append(s.pending, c)
		return
	}
	e.addCandidateLocked(s, c)
}

// addCandidateLocked feeds one candidate to the transport. Failures are
// logged, not fatal — ICE works with whatever candidates survive.
func (e *Engine) addCandidateLocked(s *session, c Candidate) {
	if err := s.conn.AddCandidate(c); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

func (e *Engine) onRemoteTrack(s *session, t RemoteTrack) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale(s) {
		return
	}
	e.events.publish(Event{Type: EventRemoteTrack, CallID: s.id, Remote: t})
}

func (e *Engine) onConnState(s *session, st ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale(s) {
		return
	}
	log.Printf("CALL [%s]: connection %s", s.id, st)
	if st.Down() {
		e.teardownLocked(s, ReasonFailed, StatusEnded)
	}
}

// onCallUpdate handles a change to the call record: the answer arriving
// (caller side) or a terminal status written by the peer.
func (e *Engine) onCallUpdate(s *session, c CallData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stale(s) {
		return
	}

	if s.role == RoleCaller && c.Answer != nil && !s.remoteSet {
		if s.timer != nil {
			s.timer.Stop()
		}
		if err := s.conn.SetRemoteDescription(*c.Answer); err != nil {
			log.Printf("CALL [%s]: apply answer: %v", s.id, err)
			e.teardownLocked(s, ReasonSetupError, StatusEnded)
			return
		}
		s.remoteSet = true
		s.status = StatusAccepted
		s.data.Answer = c.Answer
		for _, cand := range s.pending {
			e.addCandidateLocked(s, cand)
		}
		s.pending = nil
		cc := s.data
		cc.Status = StatusAccepted
		e.events.publish(Event{Type: EventAccepted, CallID: s.id, Call: &cc})
		log.Printf("CALL [%s]: answer applied", s.id)
	}

	if c.Status.Terminal() && !s.status.Terminal() {
		s.status = c.Status
		if c.Status == StatusRejected {
			cc := s.data
			cc.Status = c.Status
			e.events.publish(Event{Type: EventRejected, CallID: s.id, Call: &cc})
		}
		// The peer already wrote the terminal status; nothing to write back.
		e.teardownLocked(s, ReasonRemoteEnded, "")
	}
}

func (e *Engine) onRingTimeout(s *session, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// The timer is keyed to one call; a fire that outlives its call is a
	// no-op rather than a hangup of whatever replaced it.
	if e.stale(s) || s.id != id || s.status != StatusCalling {
		return
	}
	log.Printf("CALL [%s]: no answer after %s", id, e.ringTimeout)
	e.teardownLocked(s, ReasonTimeout, StatusEnded)
}

// failLocked is the teardown path for setup errors after the call record
// exists: the rejected status is written so the peer learns the call is
// off. Returns err for convenience.
func (e *Engine) failLocked(s *session, err error) error {
	log.Printf("CALL [%s]: setup failed: %v", s.id, err)
	e.teardownLocked(s, ReasonSetupError, StatusRejected)
	return err
}

// teardownLocked releases everything the session holds. Idempotent. When
// write is non-empty the status transition is published best-effort — a
// hangup must not fail because the relay is unreachable.
func (e *Engine) teardownLocked(s *session, reason string, write Status) {
	if s.torn {
		return
	}
	s.torn = true

	if s.timer != nil {
		s.timer.Stop()
	}
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Printf("CALL [%s]: close connection: %v", s.id, err)
		}
	}
	if s.local != nil {
		s.local.Close()
	}
	e.media.StopRoute()

	if write != "" && s.id != "" {
		s.status = write
		if err := e.sig.SetStatus(context.Background(), s.id, write); err != nil {
			log.Printf("CALL [%s]: write %s status: %v", s.id, write, err)
		}
	}
	if e.cur == s {
		e.cur = nil
	}
	e.events.publish(Event{Type: EventEnded, CallID: s.id, Reason: reason})
	log.Printf("CALL [%s]: torn down (%s)", s.id, reason)
}
