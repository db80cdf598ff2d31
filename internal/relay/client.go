package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mqviet/ringlink/internal/store"
)

// ackTimeout bounds how long a store operation waits for the relay's ack
// before reporting a signaling failure to the caller.
const ackTimeout = 10 * time.Second

// ErrClosed is returned for operations on a disconnected client.
var ErrClosed = errors.New("relay: connection closed")

// Client is a store.Store backed by a relay server. Connection loss is not
// retried here: pending operations fail and the engine's error handling
// takes over (a failed signaling write ends the call attempt).
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	reqSeq int64
	subSeq int64

	mu      sync.Mutex
	closed  bool
	pending map[int64]chan response
	subs    map[int64]*clientSub
}

// clientSub decouples event delivery from the read loop so a handler can
// issue store operations (which wait for acks) without deadlocking.
type clientSub struct {
	ch   chan response
	done chan struct{}
	once sync.Once
}

func (s *clientSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Dial connects to a relay at url (ws://host:port/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[int64]chan response),
		subs:    make(map[int64]*clientSub),
	}
	go c.readLoop()
	log.Printf("STORE: connected to relay %s", url)
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.teardown(err)
			return
		}
		switch resp.Kind {
		case "ack":
			c.mu.Lock()
			ch, ok := c.pending[resp.ReqID]
			if ok {
				delete(c.pending, resp.ReqID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case "event":
			c.mu.Lock()
			sub, ok := c.subs[resp.SubID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case sub.ch <- resp:
			default:
				log.Printf("STORE: subscription %d overflow, dropping event", resp.SubID)
			}
		}
	}
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan response)
	subs := c.subs
	c.subs = make(map[int64]*clientSub)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.stop()
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		log.Printf("STORE: relay connection lost: %v", cause)
	}
	_ = c.ws.Close()
}

// roundTrip sends req and waits for its ack.
func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	req.ReqID = atomic.AddInt64(&c.reqSeq, 1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return response{}, ErrClosed
	}
	c.pending[req.ReqID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return response{}, fmt.Errorf("relay write: %w", err)
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrClosed
		}
		if resp.Error != "" {
			if resp.Error == store.ErrNotFound.Error() {
				return response{}, store.ErrNotFound
			}
			return response{}, fmt.Errorf("relay: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return response{}, fmt.Errorf("relay: ack timeout for %s", req.Op)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
		return response{}, ctx.Err()
	}
}

func (c *Client) Create(ctx context.Context, collection string, data store.Doc) (string, error) {
	resp, err := c.roundTrip(ctx, request{Op: opCreate, Collection: collection, Data: data})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (c *Client) Merge(ctx context.Context, collection, id string, data store.Doc) error {
	_, err := c.roundTrip(ctx, request{Op: opMerge, Collection: collection, ID: id, Data: data})
	return err
}

func (c *Client) Get(ctx context.Context, collection, id string) (store.Doc, bool, error) {
	resp, err := c.roundTrip(ctx, request{Op: opGet, Collection: collection, ID: id})
	if err != nil {
		return nil, false, err
	}
	return resp.Data, resp.Exists, nil
}

func (c *Client) Append(ctx context.Context, collection, id, sub string, data store.Doc) error {
	_, err := c.roundTrip(ctx, request{Op: opAppend, Collection: collection, ID: id, Sub: sub, Data: data})
	return err
}

// subscribe registers the local dispatcher before the request goes out, so
// events racing ahead of the ack are never lost.
func (c *Client) subscribe(req request, deliver func(response)) (store.CancelFunc, error) {
	subID := atomic.AddInt64(&c.subSeq, 1)
	req.SubID = subID

	sub := &clientSub{
		ch:   make(chan response, 64),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[subID] = sub
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case resp := <-sub.ch:
				deliver(resp)
			}
		}
	}()

	if _, err := c.roundTrip(context.Background(), req); err != nil {
		c.dropSub(subID)
		return nil, err
	}

	return func() {
		c.dropSub(subID)
		if _, err := c.roundTrip(context.Background(), request{Op: opUnsub, SubID: subID}); err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("STORE: unsubscribe %d failed: %v", subID, err)
		}
	}, nil
}

func (c *Client) dropSub(subID int64) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	c.mu.Unlock()
	if ok {
		sub.stop()
	}
}

func (c *Client) Subscribe(collection, id string, fn func(store.Snapshot)) (store.CancelFunc, error) {
	return c.subscribe(
		request{Op: opSubDoc, Collection: collection, ID: id},
		func(resp response) {
			fn(store.Snapshot{ID: resp.ID, Exists: resp.Exists, Data: resp.Data})
		})
}

func (c *Client) SubscribeQuery(collection string, filters []store.Filter, fn func(store.QueryChange)) (store.CancelFunc, error) {
	return c.subscribe(
		request{Op: opSubQuery, Collection: collection, Filters: fromFilters(filters)},
		func(resp response) {
			kind := store.Added
			if resp.Event == evModified {
				kind = store.Modified
			}
			fn(store.QueryChange{Kind: kind, ID: resp.ID, Data: resp.Data})
		})
}

func (c *Client) SubscribeAppends(collection, id, sub string, fn func(store.Doc)) (store.CancelFunc, error) {
	return c.subscribe(
		request{Op: opSubAppends, Collection: collection, ID: id, Sub: sub},
		func(resp response) {
			fn(resp.Data)
		})
}

// Close disconnects from the relay and stops every subscription.
func (c *Client) Close() error {
	c.teardown(nil)
	return nil
}
