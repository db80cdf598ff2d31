//go:build !linux || !cgo

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// otherPlatform covers builds without capture drivers. Camera/mic capture
// via pion/mediadevices needs platform-specific drivers (V4L2/malgo on
// Linux); elsewhere Acquire fails and the engine aborts the call.
type otherPlatform struct {
	cfg MediaConfig
}

func newPlatform(cfg MediaConfig) (platform, error) {
	return &otherPlatform{cfg: cfg}, nil
}

func (p *otherPlatform) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (p *otherPlatform) capture(bool) (LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccess)
}

func (p *otherPlatform) setDevices(string, string) {}
