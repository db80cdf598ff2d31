package call

// Media is the platform capture/transport surface the engine drives. The
// production implementation wraps Pion; tests substitute a fake.
type Media interface {
	// Acquire opens the microphone, and the camera when video is true.
	// Fails with an error wrapping ErrMediaAccess when permission is
	// refused or no usable hardware exists.
	Acquire(video bool) (LocalStream, error)

	// NewConnection builds a peer connection wired to obs. Observers fire
	// from transport goroutines; the engine serializes them itself.
	NewConnection(obs ConnectionObserver) (Connection, error)

	// StartRoute configures platform audio routing and keeps the screen
	// awake for the duration of a call of the given kind.
	StartRoute(kind Kind)
	// StopRoute undoes StartRoute. Idempotent.
	StopRoute()
	// SetSpeaker forces the loudspeaker on or off.
	SetSpeaker(on bool)
}

// LocalStream is the local capture session: one audio track plus one video
// track for video calls.
type LocalStream interface {
	// ToggleAudio flips the microphone and returns the new muted state.
	ToggleAudio() (muted bool)
	// ToggleVideo flips the camera and returns the new disabled state.
	ToggleVideo() (disabled bool)
	// SwitchCamera moves capture to the next camera, where supported.
	SwitchCamera() error
	// Close stops all tracks. Idempotent.
	Close()
}

// RemoteTrack is one media track received from the peer, handed to the UI
// layer for rendering.
type RemoteTrack interface {
	ID() string
	Kind() string
}

// ConnState is the peer connection's aggregate state.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// Down reports whether the state means the call transport is gone.
func (s ConnState) Down() bool {
	return s == StateDisconnected || s == StateFailed
}

// ConnectionObserver receives transport callbacks. Nil funcs are skipped.
type ConnectionObserver struct {
	OnCandidate   func(Candidate)
	OnRemoteTrack func(RemoteTrack)
	OnStateChange func(ConnState)
}

// Connection is one peer connection.
type Connection interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	// AddCandidate feeds one remote candidate to the transport. May fail
	// for early or stale candidates; such failures are non-fatal.
	AddCandidate(Candidate) error
	// AttachTracks adds every track of the local stream to the connection.
	AttachTracks(LocalStream) error
	// Connected reports whether the transport has reached the connected
	// state at least once.
	Connected() bool
	// Close releases the transport. Idempotent.
	Close() error
}
