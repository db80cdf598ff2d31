//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// linuxPlatform captures camera/mic via pion/mediadevices (V4L2 + malgo)
// and encodes with VP8+Opus. The codec selector is built once and shared by
// every connection so the populated MediaEngine matches the captured tracks.
type linuxPlatform struct {
	selector *mediadevices.CodecSelector

	mu  sync.Mutex
	cam string
	mic string
}

func newPlatform(cfg MediaConfig) (platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &linuxPlatform{
		selector: selector,
		cam:      cfg.PreferredCam,
		mic:      cfg.PreferredMic,
	}, nil
}

func (p *linuxPlatform) setDevices(cam, mic string) {
	p.mu.Lock()
	p.cam = cam
	p.mic = mic
	p.mu.Unlock()
}

func (p *linuxPlatform) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	p.selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s — too short
	// for relay paths that see short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (p *linuxPlatform) capture(video bool) (LocalStream, error) {
	p.mu.Lock()
	cam, mic := p.cam, p.mic
	p.mu.Unlock()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. For a video call, try video+audio first, then video-only, then
	// audio-only so a missing/busy microphone doesn't prevent the camera from
	// working and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				if cam != "" {
					c.DeviceID = prop.StringExact(cam)
				}
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 — higher resolutions increase VP8 encoding
				// latency on low-end hardware.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if mic != "" {
					c.DeviceID = prop.StringExact(mic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		broken := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			// Probe video encoders up front. A poisoned VP8 encoder (e.g.
			// malformed frames from the camera) would otherwise break SDP
			// negotiation mid-call.
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
				if err != nil {
					log.Printf("CALL: video track broken, skipping attempt (%s): %v", a.label, err)
					broken = true
					break
				}
				r.Close()
			}
		}
		if broken {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return &linuxStream{tracks: tracks}, nil
	}

	return nil, fmt.Errorf("%w: all capture attempts failed", ErrMediaAccess)
}

// linuxStream is the captured local media. Mute/disable are tracked as
// flags; encoder-level pause is not plumbed through mediadevices yet.
type linuxStream struct {
	mu       sync.Mutex
	tracks   []mediadevices.Track
	muted    bool
	disabled bool
	closed   bool
}

func (s *linuxStream) attachTo(pc *webrtc.PeerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, track := range s.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func (s *linuxStream) ToggleAudio() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	s.mu.Unlock()
	log.Printf("CALL: microphone muted=%v", muted)
	return muted
}

func (s *linuxStream) ToggleVideo() bool {
	s.mu.Lock()
	s.disabled = !s.disabled
	disabled := s.disabled
	s.mu.Unlock()
	log.Printf("CALL: camera disabled=%v", disabled)
	return disabled
}

func (s *linuxStream) SwitchCamera() error {
	return fmt.Errorf("camera switching is not supported on this platform")
}

func (s *linuxStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.tracks {
		t.Close()
	}
}
