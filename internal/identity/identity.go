// Package identity holds the locally authenticated identity and its
// sign-in/sign-out lifecycle. It stands in for the hosted auth backend: the
// call engine only needs a stable user id and change notifications so the
// incoming-call listener can be re-keyed.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Identity is one authenticated user.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Provider owns the current identity and notifies subscribers when it
// changes. A nil identity in a notification means signed out.
type Provider struct {
	path string

	mu        sync.RWMutex
	current   *Identity
	listeners map[chan *Identity]struct{}
}

// Ensure loads the identity file from dir, creating a fresh identity when
// none exists yet. Returns the provider already signed in.
func Ensure(dir string) (*Provider, error) {
	path := filepath.Join(dir, "identity.json")
	p := &Provider{
		path:      path,
		listeners: make(map[chan *Identity]struct{}),
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(b, &id); err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		if strings.TrimSpace(id.ID) == "" {
			return nil, errors.New("identity file has no id")
		}
		p.current = &id

	case os.IsNotExist(err):
		id := Identity{ID: uuid.NewString()}
		if err := writeIdentity(path, id); err != nil {
			return nil, fmt.Errorf("create identity file: %w", err)
		}
		p.current = &id

	default:
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	return p, nil
}

// Current returns the signed-in identity, if any.
func (p *Provider) Current() (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Identity{}, false
	}
	return *p.current, true
}

// SignIn replaces the current identity, persists it, and notifies.
func (p *Provider) SignIn(id Identity) error {
	if strings.TrimSpace(id.ID) == "" {
		return errors.New("identity requires an id")
	}
	if err := writeIdentity(p.path, id); err != nil {
		return err
	}

	p.mu.Lock()
	p.current = &id
	p.notifyLocked(&id)
	p.mu.Unlock()
	return nil
}

// SignOut clears the current identity and notifies. The identity file is
// kept so the same identity is restored on next start.
func (p *Provider) SignOut() {
	p.mu.Lock()
	p.current = nil
	p.notifyLocked(nil)
	p.mu.Unlock()
}

// Subscribe delivers identity changes. The returned cancel must be called
// when the listener goes away.
func (p *Provider) Subscribe() (ch chan *Identity, cancel func()) {
	ch = make(chan *Identity, 4)

	p.mu.Lock()
	p.listeners[ch] = struct{}{}
	p.mu.Unlock()

	cancel = func() {
		p.mu.Lock()
		if _, ok := p.listeners[ch]; ok {
			delete(p.listeners, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

func (p *Provider) notifyLocked(id *Identity) {
	for ch := range p.listeners {
		select {
		case ch <- id:
		default:
		}
	}
}

func writeIdentity(path string, id Identity) error {
	b, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0600)
}
