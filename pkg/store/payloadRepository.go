package store

import (
	"context"
	"errors"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

var (
	// ErrNotFound is returned when the payload does not exist.
	ErrNotFound = errors.New("payload not found")
	// ErrConflict is returned when an update is based on a stale version of the payload.
	ErrConflict = errors.New("payload was modified concurrently")
)

// PayloadRepository defines the persistence operations for payloads.
type PayloadRepository interface {
	// Add stores a new payload.
	Add(ctx context.Context, p *payload.Payload) error
	// Update replaces the stored payload if its version matches, then bumps p.Version.
	Update(ctx context.Context, p *payload.Payload) error
	// Remove deletes the payload if its stored version matches p.Version. A missing payload reports ErrNotFound and a
	// newer stored version reports ErrConflict.
	Remove(ctx context.Context, p *payload.Payload) error
	// ListByStates returns every payload in one of the given states, oldest first.
	ListByStates(ctx context.Context, states ...payload.State) ([]*payload.Payload, error)
	// Contains reports whether any stored payload matches the predicate.
	Contains(ctx context.Context, predicate func(*payload.Payload) bool) (bool, error)
	// Exists reports whether a payload with the given id is stored, without loading it.
	Exists(ctx context.Context, id string) (bool, error)
}

var allStates = []payload.State{payload.StateCreated, payload.StateUpload, payload.StateNotify}

// ByID matches the payload with the given id.
func ByID(id string) func(*payload.Payload) bool {
	return func(p *payload.Payload) bool {
		return p.ID == id
	}
}

func containsIn(ctx context.Context, repo PayloadRepository, predicate func(*payload.Payload) bool) (bool, error) {
	payloads, err := repo.ListByStates(ctx, allStates...)
	if err != nil {
		return false, err
	}
	for _, p := range payloads {
		if predicate(p) {
			return true, nil
		}
	}
	return false, nil
}
