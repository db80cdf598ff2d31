package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaConfig configures the Pion-backed Media implementation.
type MediaConfig struct {
	// STUNServers used for candidate discovery.
	STUNServers []string
	// CandidatePoolSize pre-gathers candidates before negotiation.
	CandidatePoolSize uint8
	// Preferred capture devices; empty means first usable.
	PreferredCam string
	PreferredMic string
}

// DefaultMediaConfig returns the stock configuration: two public STUN
// servers and a pool of 10 pre-gathered candidates.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		CandidatePoolSize: 10,
	}
}

// platform is the build-specific half of PionMedia: API assembly and device
// capture differ between Linux (V4L2 + malgo drivers) and everything else.
type platform interface {
	newAPI() (*webrtc.API, error)
	capture(video bool) (LocalStream, error)
	setDevices(cam, mic string)
}

// PionMedia implements Media on pion/webrtc.
type PionMedia struct {
	cfg  MediaConfig
	plat platform

	mu      sync.Mutex
	routing bool
	speaker bool
}

// NewPionMedia builds the production Media implementation.
func NewPionMedia(cfg MediaConfig) (*PionMedia, error) {
	plat, err := newPlatform(cfg)
	if err != nil {
		return nil, err
	}
	return &PionMedia{cfg: cfg, plat: plat}, nil
}

func (m *PionMedia) Acquire(video bool) (LocalStream, error) {
	return m.plat.capture(video)
}

// SetDevices updates the preferred capture devices. Takes effect on the
// next Acquire; an active call keeps its current tracks.
func (m *PionMedia) SetDevices(cam, mic string) {
	m.mu.Lock()
	m.cfg.PreferredCam = cam
	m.cfg.PreferredMic = mic
	m.mu.Unlock()
	m.plat.setDevices(cam, mic)
}

func (m *PionMedia) NewConnection(obs ConnectionObserver) (Connection, error) {
	api, err := m.plat.newAPI()
	if err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(m.cfg.STUNServers))
	for _, u := range m.cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           servers,
		ICECandidatePoolSize: m.cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	conn := &pionConn{pc: pc}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil || obs.OnCandidate == nil {
			return
		}
		init := ic.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		obs.OnCandidate(cand)
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL: remote track %s (%s)", tr.ID(), tr.Kind())
		if obs.OnRemoteTrack != nil {
			obs.OnRemoteTrack(&pionRemoteTrack{tr: tr})
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		state := ConnState(st.String())
		if state == StateConnected {
			conn.markConnected()
		}
		if obs.OnStateChange != nil {
			obs.OnStateChange(state)
		}
	})

	return conn, nil
}

// StartRoute / StopRoute / SetSpeaker map to platform audio routing and
// screen keep-awake on mobile builds; on desktop they only track intent.
func (m *PionMedia) StartRoute(kind Kind) {
	m.mu.Lock()
	m.routing = true
	m.speaker = kind.Video()
	m.mu.Unlock()
	log.Printf("CALL: audio route started (%s, speaker=%v)", kind, kind.Video())
}

func (m *PionMedia) StopRoute() {
	m.mu.Lock()
	was := m.routing
	m.routing = false
	m.mu.Unlock()
	if was {
		log.Printf("CALL: audio route stopped")
	}
}

func (m *PionMedia) SetSpeaker(on bool) {
	m.mu.Lock()
	m.speaker = on
	m.mu.Unlock()
	log.Printf("CALL: speakerphone=%v", on)
}

// trackAttacher is implemented by platform streams that can add their
// tracks to a Pion connection.
type trackAttacher interface {
	attachTo(pc *webrtc.PeerConnection) error
}

// pionConn adapts *webrtc.PeerConnection to the Connection interface.
type pionConn struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (c *pionConn) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
}

func (c *pionConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *pionConn) CreateOffer() (SessionDescription, error) {
	sd, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	sd, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) SetRemoteDescription(d SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (c *pionConn) AddCandidate(cand Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *pionConn) AttachTracks(ls LocalStream) error {
	at, ok := ls.(trackAttacher)
	if !ok {
		return fmt.Errorf("stream %T cannot attach to a pion connection", ls)
	}
	return at.attachTo(c.pc)
}

func (c *pionConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.pc.Close()
}

// pionRemoteTrack adapts *webrtc.TrackRemote for the UI layer.
type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string   { return t.tr.ID() }
func (t *pionRemoteTrack) Kind() string { return t.tr.Kind().String() }
