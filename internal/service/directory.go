package service

import (
	"sync"

	"github.com/capitalize-ai/support-engine/internal/model"
)

// Directory remembers the latest profile seen for every authenticated
// caller. It stands in for the profile service when resolving the display
// name of a staff member who is not the caller.
type Directory struct {
	mu         sync.RWMutex
	identities map[string]model.Identity
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{identities: make(map[string]model.Identity)}
}

// Observe records id. Empty display names never overwrite known ones.
func (d *Directory) Observe(id model.Identity) {
	if id.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.identities[id.ID]; ok && id.DisplayName == "" {
		id.DisplayName = prev.DisplayName
	}
	d.identities[id.ID] = id
}

// Lookup returns the identity last observed for userID.
func (d *Directory) Lookup(userID string) (model.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.identities[userID]
	return id, ok
}

// DisplayName returns the known display name of userID, or "".
func (d *Directory) DisplayName(userID string) string {
	id, _ := d.Lookup(userID)
	return id.DisplayName
}

// IsStaff reports whether userID was last seen with the staff role.
func (d *Directory) IsStaff(userID string) bool {
	id, ok := d.Lookup(userID)
	return ok && id.IsStaff()
}
