// Package user implements the user registry: account registration and the
// set of agent ids a user owns.
package user

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"credproxy/internal/clock"
	"credproxy/internal/models"
	"credproxy/internal/store"
)

// ErrNotFound is returned when a user id is unknown.
var ErrNotFound = errors.New("user: not found")

// ErrDuplicateEmail is returned by Create when the email is already
// registered. Supplements the spec's registration contract with the
// uniqueness check the original implementation enforces.
var ErrDuplicateEmail = errors.New("user: email already registered")

// Registry stores users keyed by id, with an email index for uniqueness.
type Registry struct {
	clock clock.Clock
	snap  store.Snapshotter

	mu        sync.RWMutex
	byID      map[uuid.UUID]models.User
	byEmail   map[string]uuid.UUID
}

// New builds an empty Registry.
func New(clk clock.Clock, snap store.Snapshotter) *Registry {
	return &Registry{
		clock:   clk,
		snap:    snap,
		byID:    make(map[uuid.UUID]models.User),
		byEmail: make(map[string]uuid.UUID),
	}
}

// Load populates the registry from its snapshot, if any.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all map[uuid.UUID]models.User
	if err := store.LoadJSON(r.snap, &all); err != nil {
		return err
	}
	if all != nil {
		r.byID = all
		r.byEmail = make(map[string]uuid.UUID, len(all))
		for id, u := range all {
			r.byEmail[normalizeEmail(u.Email)] = id
		}
	}
	return nil
}

func (r *Registry) persistLocked() error {
	return store.PersistJSON(r.snap, r.byID)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create registers a new user. The email is rejected if already taken,
// case-insensitively.
func (r *Registry) Create(username, email string) (models.User, error) {
	key := normalizeEmail(email)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byEmail[key]; exists {
		return models.User{}, ErrDuplicateEmail
	}

	now := r.clock.Now()
	u := models.User{
		ID:        uuid.New(),
		Username:  username,
		Email:     email,
		AgentIDs:  nil,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.byID[u.ID] = u
	r.byEmail[key] = u.ID
	if err := r.persistLocked(); err != nil {
		delete(r.byID, u.ID)
		delete(r.byEmail, key)
		return models.User{}, err
	}
	return u, nil
}

// Get returns the user with id, or ErrNotFound.
func (r *Registry) Get(id uuid.UUID) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

// Exists reports whether id names a known user.
func (r *Registry) Exists(id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// AttachAgent records a new agent id under its owning user.
func (r *Registry) AttachAgent(userID, agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok {
		return ErrNotFound
	}
	if u.HasAgent(agentID) {
		return nil
	}
	u.AgentIDs = append(u.AgentIDs, agentID)
	u.UpdatedAt = r.clock.Now()
	r.byID[userID] = u
	return r.persistLocked()
}

// DetachAgent removes an agent id from its owning user, used during
// rotation when the old agent id is retired.
func (r *Registry) DetachAgent(userID, agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[userID]
	if !ok {
		return ErrNotFound
	}
	out := u.AgentIDs[:0]
	for _, id := range u.AgentIDs {
		if id != agentID {
			out = append(out, id)
		}
	}
	u.AgentIDs = out
	u.UpdatedAt = r.clock.Now()
	r.byID[userID] = u
	return r.persistLocked()
}
