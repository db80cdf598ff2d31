// Package app wires the agent and relay processes together: config,
// identity, store, media, engine, dispatcher and the control API.
package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/mqviet/ringlink/internal/call"
	"github.com/mqviet/ringlink/internal/config"
	"github.com/mqviet/ringlink/internal/control"
	"github.com/mqviet/ringlink/internal/identity"
	"github.com/mqviet/ringlink/internal/profile"
	"github.com/mqviet/ringlink/internal/relay"
	"github.com/mqviet/ringlink/internal/store"
	"github.com/mqviet/ringlink/internal/util"
)

// Options carries everything Run needs.
type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run starts the agent and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg

	ident, err := identity.Ensure(filepath.Dir(util.ResolvePath(opts.Dir, cfg.Identity.File)))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if id, ok := ident.Current(); ok {
		log.Printf("APP: signed in as %s", id.ID)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	media, err := call.NewPionMedia(call.MediaConfig{
		STUNServers:       cfg.Call.STUNServers,
		CandidatePoolSize: 10,
		PreferredCam:      cfg.Call.PreferredCam,
		PreferredMic:      cfg.Call.PreferredMic,
	})
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	var engMedia call.Media = media
	if cfg.Call.VideoDisabled {
		log.Printf("APP: video calls disabled by config, forcing audio-only")
		engMedia = audioOnlyMedia{media}
	}

	dir := profile.NewDirectory(st)
	eng := call.NewEngine(call.EngineConfig{
		Signal:      call.NewSignal(st),
		Media:       engMedia,
		Directory:   dir,
		Self:        selfID(ident),
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	defer eng.Close()

	disp := call.NewDispatcher(st, eng, dir)
	defer disp.Stop()
	if id, ok := ident.Current(); ok {
		if err := disp.Listen(id.ID); err != nil {
			return fmt.Errorf("incoming-call listener: %w", err)
		}
	}

	// Re-key the listener when the signed-in identity changes; signing out
	// hangs up whatever was active.
	idCh, cancelID := ident.Subscribe()
	defer cancelID()
	go func() {
		for id := range idCh {
			if id == nil {
				_ = eng.EndCall(context.Background())
				disp.Stop()
				log.Printf("APP: signed out, listener stopped")
				continue
			}
			if err := disp.Listen(id.ID); err != nil {
				log.Printf("APP: listener re-key failed: %v", err)
			}
		}
	}()

	if cfg.Control.HTTPAddr != "" {
		ctl := control.New(cfg.Control.HTTPAddr, eng)
		if err := ctl.Start(ctx); err != nil {
			return err
		}
	}

	// Device preferences reload without a restart.
	stopWatch, err := config.Watch(opts.CfgPath, func(c config.Config) {
		media.SetDevices(c.Call.PreferredCam, c.Call.PreferredMic)
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	log.Printf("APP: agent running")
	<-ctx.Done()
	log.Printf("APP: agent stopping")
	return nil
}

// RunRelay starts a standalone relay and blocks until ctx is cancelled.
func RunRelay(ctx context.Context, opts Options) error {
	cfg := opts.Cfg

	var st store.Store
	if cfg.Relay.DBDir != "" {
		sq, err := store.OpenSQLite(util.ResolvePath(opts.Dir, cfg.Relay.DBDir))
		if err != nil {
			return fmt.Errorf("relay store: %w", err)
		}
		log.Printf("APP: relay persisting to %s", sq.Path())
		st = sq
	} else {
		log.Printf("APP: relay running in-memory, call history will not survive restarts")
		st = store.NewMemory()
	}
	defer st.Close()

	srv := relay.New(cfg.Relay.Bind, st)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// openStore dials the configured relay, or falls back to an in-process
// store for single-machine setups.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.Store.RelayURL == "" {
		log.Printf("APP: no relay configured, using in-process store (calls stay on this machine)")
		return store.NewMemory(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return relay.Dial(dialCtx, cfg.Store.RelayURL)
}

func selfID(ident *identity.Provider) func() (string, bool) {
	return func() (string, bool) {
		id, ok := ident.Current()
		if !ok {
			return "", false
		}
		return id.ID, true
	}
}

// audioOnlyMedia downgrades every capture request to audio; used when the
// config disables video calls.
type audioOnlyMedia struct {
	call.Media
}

func (m audioOnlyMedia) Acquire(bool) (call.LocalStream, error) {
	return m.Media.Acquire(false)
}
