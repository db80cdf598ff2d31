// Package profile reads user display metadata from the shared store's
// "users" collection. It is read-only here — account CRUD belongs to the
// application layer, the call engine only enriches call records with
// human-readable names and photos.
package profile

import (
	"context"
	"fmt"

	"github.com/mqviet/ringlink/internal/store"
)

// UsersCollection is where the application layer keeps user profiles.
const UsersCollection = "users"

// Profile is the display metadata of one user.
type Profile struct {
	DisplayName string
	PhotoURL    string
}

// Directory looks up profiles in the shared store.
type Directory struct {
	st store.Store
}

// NewDirectory creates a directory over st.
func NewDirectory(st store.Store) *Directory {
	return &Directory{st: st}
}

// Get fetches one user's profile. A missing user or unreadable document is
// an error; callers on the call path treat it as missing metadata, never as
// a reason to abort the call.
func (d *Directory) Get(ctx context.Context, userID string) (Profile, error) {
	doc, ok, err := d.st.Get(ctx, UsersCollection, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("profile lookup %s: %w", userID, err)
	}
	if !ok {
		return Profile{}, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	// Field names match the application layer's user documents.
	p := Profile{}
	if v, ok := doc["fullname"].(string); ok {
		p.DisplayName = v
	}
	if v, ok := doc["photoURL"].(string); ok {
		p.PhotoURL = v
	}
	return p, nil
}
