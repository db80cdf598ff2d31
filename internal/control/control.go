// Package control is the local HTTP surface a UI drives the agent with:
// JSON endpoints for call operations and an SSE stream for engine events.
// It binds to loopback by default and carries no auth of its own.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mqviet/ringlink/internal/call"
	"github.com/mqviet/ringlink/internal/util"
)

// historyCap bounds how many recent engine events /api/call/history keeps
// for UIs that attach after the fact.
const historyCap = 100

// Server exposes the call engine over HTTP.
type Server struct {
	addr    string
	eng     *call.Engine
	history *util.RingBuffer[eventView]

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// New creates a control server for eng bound to addr.
func New(addr string, eng *call.Engine) *Server {
	return &Server{
		addr:    addr,
		eng:     eng,
		history: util.NewRingBuffer[eventView](historyCap),
	}
}

// Start begins serving. It returns once the listener is open; the server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	s.register(mux)
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("CONTROL: serve error: %v", err)
		}
	}()

	// Record engine events for the history endpoint.
	events, cancelEvents := s.eng.Events().Subscribe()
	go func() {
		defer cancelEvents()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.history.Push(eventVM(ev))
			}
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Printf("CONTROL: stopped")
	}()

	log.Printf("CONTROL: listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address of the running server.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) register(mux *http.ServeMux) {
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	// GET /api/call/state — the active call, if any.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		data, ok := s.eng.State()
		if !ok {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{"active": true, "call": callVM(data)})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string `json:"callee_id"`
		Type     string `json:"type"`
	}) {
		if req.CalleeID == "" {
			http.Error(w, "missing callee_id", http.StatusBadRequest)
			return
		}
		kind := call.KindAudio
		if req.Type == string(call.KindVideo) {
			kind = call.KindVideo
		}
		data, err := s.eng.StartCall(r.Context(), req.CalleeID, kind)
		if err != nil {
			callError(w, "start call", err)
			return
		}
		writeJSON(w, callVM(data))
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.eng.AcceptCall(r.Context(), req.CallID); err != nil {
			callError(w, "accept call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": req.CallID})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := s.eng.RejectCall(r.Context(), req.CallID); err != nil {
			callError(w, "reject call", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.eng.EndCall(r.Context()); err != nil {
			callError(w, "hangup", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := s.eng.ToggleAudio()
		if err != nil {
			callError(w, "toggle audio", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := s.eng.ToggleVideo()
		if err != nil {
			callError(w, "toggle video", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// POST /api/call/switch-camera
	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := s.eng.SwitchCamera(); err != nil {
			callError(w, "switch camera", err)
			return
		}
		writeJSON(w, map[string]string{"status": "switched"})
	})

	// POST /api/call/speaker
	handlePost(mux, "/api/call/speaker", func(w http.ResponseWriter, r *http.Request, req struct {
		On bool `json:"on"`
	}) {
		if err := s.eng.SetSpeaker(req.On); err != nil {
			callError(w, "speaker", err)
			return
		}
		writeJSON(w, map[string]bool{"speaker": req.On})
	})

	// GET /api/call/history — the most recent engine events, oldest first.
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		events := s.history.Snapshot()
		writeJSON(w, map[string]any{"count": len(events), "events": events})
	})

	// GET /api/call/events — SSE stream of engine events. Each connection
	// gets its own subscription; cancelled on disconnect so the bus never
	// accumulates stale listeners.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		events, cancel := s.eng.Events().Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(eventVM(ev))
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

// callError maps engine sentinels onto HTTP statuses.
func callError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallActive), errors.Is(err, call.ErrNoActiveCall):
		status = http.StatusConflict
	case errors.Is(err, call.ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, call.ErrMediaAccess):
		status = http.StatusPreconditionFailed
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), status)
}
