package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mqviet/ringlink/internal/store"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Agents connect from localhost and from other machines on the network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a store.Store over WebSocket with realtime subscription
// push. One relay serves every participant of the deployment; the store it
// wraps keeps the call history.
type Server struct {
	bind string
	st   store.Store

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	conns    map[*serverConn]struct{}
}

// New creates a relay server bound to bind (host:port, port 0 for ephemeral)
// backed by st.
func New(bind string, st store.Store) *Server {
	return &Server{
		bind:  bind,
		st:    st,
		conns: make(map[*serverConn]struct{}),
	}
}

// Start begins listening and serving. It returns once the listener is open;
// the server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.bind, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("RELAY: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	log.Printf("RELAY: listening on %s", ln.Addr())
	return nil
}

// URL returns the WebSocket endpoint of the running server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "ws://" + s.listener.Addr().String() + "/ws"
}

func (s *Server) shutdown() {
	s.mu.Lock()
	srv := s.httpSrv
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	log.Printf("RELAY: stopped")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed: %v", err)
		return
	}

	conn := &serverConn{
		srv:     s,
		ws:      ws,
		cancels: make(map[int64]store.CancelFunc),
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	log.Printf("RELAY: client connected from %s", ws.RemoteAddr())
	conn.readLoop()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serverConn is one connected agent. All writes go through send's mutex
// (gorilla allows a single concurrent writer); every subscription opened on
// this connection is cancelled when it drops so the store never leaks.
type serverConn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	subMu   sync.Mutex
	cancels map[int64]store.CancelFunc
	closed  bool
}

func (c *serverConn) send(resp response) {
	c.writeMu.Lock()
	err := c.ws.WriteJSON(resp)
	c.writeMu.Unlock()
	if err != nil {
		log.Printf("RELAY: write to %s failed: %v", c.ws.RemoteAddr(), err)
	}
}

func (c *serverConn) close() {
	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.subMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	_ = c.ws.Close()
}

// track registers a subscription cancel under the client's sub id. When the
// connection already closed, the subscription is cancelled immediately.
func (c *serverConn) track(subID int64, cancel store.CancelFunc) bool {
	c.subMu.Lock()
	if c.closed {
		c.subMu.Unlock()
		cancel()
		return false
	}
	if _, dup := c.cancels[subID]; dup {
		c.subMu.Unlock()
		cancel()
		return false
	}
	c.cancels[subID] = cancel
	c.subMu.Unlock()
	return true
}

func (c *serverConn) readLoop() {
	defer c.close()
	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("RELAY: client %s dropped: %v", c.ws.RemoteAddr(), err)
			}
			return
		}
		c.handle(req)
	}
}

func (c *serverConn) handle(req request) {
	ctx := context.Background()
	st := c.srv.st

	switch req.Op {
	case opCreate:
		id, err := st.Create(ctx, req.Collection, req.Data)
		c.ack(req.ReqID, response{DocID: id}, err)

	case opMerge:
		err := st.Merge(ctx, req.Collection, req.ID, req.Data)
		c.ack(req.ReqID, response{}, err)

	case opGet:
		data, ok, err := st.Get(ctx, req.Collection, req.ID)
		c.ack(req.ReqID, response{Exists: ok, Data: data}, err)

	case opAppend:
		err := st.Append(ctx, req.Collection, req.ID, req.Sub, req.Data)
		c.ack(req.ReqID, response{}, err)

	case opSubDoc:
		subID := req.SubID
		cancel, err := st.Subscribe(req.Collection, req.ID, func(snap store.Snapshot) {
			c.send(response{Kind: "event", SubID: subID, Event: evDoc, ID: snap.ID, Exists: snap.Exists, Data: snap.Data})
		})
		if err == nil {
			c.track(subID, cancel)
		}
		c.ack(req.ReqID, response{SubID: subID}, err)

	case opSubQuery:
		subID := req.SubID
		cancel, err := st.SubscribeQuery(req.Collection, toFilters(req.Filters), func(ch store.QueryChange) {
			ev := evAdded
			if ch.Kind == store.Modified {
				ev = evModified
			}
			c.send(response{Kind: "event", SubID: subID, Event: ev, ID: ch.ID, Data: ch.Data})
		})
		if err == nil {
			c.track(subID, cancel)
		}
		c.ack(req.ReqID, response{SubID: subID}, err)

	case opSubAppends:
		subID := req.SubID
		cancel, err := st.SubscribeAppends(req.Collection, req.ID, req.Sub, func(d store.Doc) {
			c.send(response{Kind: "event", SubID: subID, Event: evAppend, Data: d})
		})
		if err == nil {
			c.track(subID, cancel)
		}
		c.ack(req.ReqID, response{SubID: subID}, err)

	case opUnsub:
		c.subMu.Lock()
		cancel, ok := c.cancels[req.SubID]
		if ok {
			delete(c.cancels, req.SubID)
		}
		c.subMu.Unlock()
		if ok {
			cancel()
		}
		c.ack(req.ReqID, response{}, nil)

	default:
		c.ack(req.ReqID, response{}, fmt.Errorf("unknown op %q", req.Op))
	}
}

func (c *serverConn) ack(reqID int64, resp response, err error) {
	resp.Kind = "ack"
	resp.ReqID = reqID
	if err != nil {
		resp.Error = err.Error()
	}
	c.send(resp)
}
