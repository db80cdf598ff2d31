package call

import (
	"context"
	"fmt"
	"time"

	"github.com/mqviet/ringlink/internal/store"
)

// Signal translates between call-domain values and the shared store's
// document schema. It owns no state; all reads and watches go straight to
// the store so both participants see the same records.
type Signal struct {
	st store.Store
}

// NewSignal creates a Signal over st.
func NewSignal(st store.Store) *Signal {
	return &Signal{st: st}
}

// CreateCall inserts a new call record in the "calling" status and returns
// its id. Caller display metadata is denormalized into the record so the
// callee can render the incoming-call screen without an extra lookup.
func (s *Signal) CreateCall(ctx context.Context, c CallData) (string, error) {
	doc := store.Doc{
		"callerId":  c.CallerID,
		"calleeId":  c.CalleeID,
		"type":      string(c.Kind),
		"status":    string(StatusCalling),
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if c.CallerName != "" {
		doc["callerName"] = c.CallerName
	}
	if c.CallerPhoto != "" {
		doc["callerPhoto"] = c.CallerPhoto
	}
	id, err := s.st.Create(ctx, CallsCollection, doc)
	if err != nil {
		return "", fmt.Errorf("create call record: %w", err)
	}
	return id, nil
}

// GetCall reads one call record.
func (s *Signal) GetCall(ctx context.Context, id string) (CallData, error) {
	doc, ok, err := s.st.Get(ctx, CallsCollection, id)
	if err != nil {
		return CallData{}, fmt.Errorf("get call %s: %w", id, err)
	}
	if !ok {
		return CallData{}, fmt.Errorf("call %s: %w", id, ErrCallNotFound)
	}
	return callFromDoc(id, doc), nil
}

// PublishOffer attaches the caller's offer to the call record.
func (s *Signal) PublishOffer(ctx context.Context, id string, d SessionDescription) error {
	if err := s.st.Merge(ctx, CallsCollection, id, store.Doc{"offer": map[string]any(descToDoc(d))}); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

// PublishAnswer attaches the callee's answer and flips the status to
// accepted in a single write, so watchers never see one without the other.
func (s *Signal) PublishAnswer(ctx context.Context, id string, d SessionDescription) error {
	err := s.st.Merge(ctx, CallsCollection, id, store.Doc{
		"answer": map[string]any(descToDoc(d)),
		"status": string(StatusAccepted),
	})
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

// SetStatus writes a status transition to the call record.
func (s *Signal) SetStatus(ctx context.Context, id string, status Status) error {
	if err := s.st.Merge(ctx, CallsCollection, id, store.Doc{"status": string(status)}); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// PublishCandidate appends one of our candidates to our role's
// subcollection. The peer watches that subcollection; we never write to
// theirs.
func (s *Signal) PublishCandidate(ctx context.Context, id string, role Role, c Candidate) error {
	if err := s.st.Append(ctx, CallsCollection, id, candidateSub(role), candidateToDoc(c)); err != nil {
		return fmt.Errorf("publish candidate: %w", err)
	}
	return nil
}

// WatchCall subscribes to the call record. fn fires with the current state
// immediately and on every change; deletions are skipped.
func (s *Signal) WatchCall(id string, fn func(CallData)) (store.CancelFunc, error) {
	return s.st.Subscribe(CallsCollection, id, func(snap store.Snapshot) {
		if !snap.Exists {
			return
		}
		fn(callFromDoc(id, snap.Data))
	})
}

// WatchCandidates subscribes to the peer role's candidate subcollection.
// Already-appended candidates replay first, in append order.
func (s *Signal) WatchCandidates(id string, from Role, fn func(Candidate)) (store.CancelFunc, error) {
	return s.st.SubscribeAppends(CallsCollection, id, candidateSub(from), func(d store.Doc) {
		fn(candidateFromDoc(d))
	})
}
