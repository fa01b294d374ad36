// Package session implements the session registry: an opaque bearer token
// that resolves to an agent id for the TTL configured at creation.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"credproxy/internal/clock"
	"credproxy/internal/models"
	"credproxy/internal/store"
)

// ErrUnauthorized is returned when a session id is not recognized at all.
var ErrUnauthorized = errors.New("session: unauthorized")

// ErrExpired is returned when a session existed but its TTL (or its bound
// agent's expiry) has elapsed, or its bound agent no longer exists.
var ErrExpired = errors.New("session: expired")

// AgentExistsFunc reports whether an agent id still resolves to a live,
// unexpired agent. The session registry depends on this rather than
// importing the agent package directly, keeping the dependency direction
// leaf-first per the component order.
type AgentExistsFunc func(agentID uuid.UUID) (exists bool, expired bool)

// Registry maps session ids to agent ids with a TTL.
type Registry struct {
	clock      clock.Clock
	snap       store.Snapshotter
	agentCheck AgentExistsFunc

	mu       sync.RWMutex
	sessions map[string]models.Session
}

// New builds an empty Registry. agentCheck is consulted on every Resolve so
// that a session whose agent has since been deleted or has expired never
// resolves, even if the session's own TTL has not yet elapsed.
func New(clk clock.Clock, snap store.Snapshotter, agentCheck AgentExistsFunc) *Registry {
	return &Registry{
		clock:      clk,
		snap:       snap,
		agentCheck: agentCheck,
		sessions:   make(map[string]models.Session),
	}
}

// Load populates the registry from its snapshot, if any.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all map[string]models.Session
	if err := store.LoadJSON(r.snap, &all); err != nil {
		return err
	}
	if all != nil {
		r.sessions = all
	}
	return nil
}

func (r *Registry) persistLocked() error {
	return store.PersistJSON(r.snap, r.sessions)
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: draw id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a new session bound to agentID with the given TTL.
func (r *Registry) Create(agentID uuid.UUID, ttl time.Duration) (models.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return models.Session{}, err
	}
	now := r.clock.Now()
	sess := models.Session{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
	if err := r.persistLocked(); err != nil {
		delete(r.sessions, id)
		return models.Session{}, err
	}
	return sess, nil
}

// Resolve returns the agent id bound to sessionID, or ErrUnauthorized /
// ErrExpired. An expired session is removed lazily here even if the
// periodic sweeper has not yet run.
func (r *Registry) Resolve(sessionID string) (uuid.UUID, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}

	now := r.clock.Now()
	expired := sess.IsExpired(now)
	var agentGone, agentExpired bool
	if !expired {
		exists, agentIsExpired := r.agentCheck(sess.AgentID)
		agentGone = !exists
		agentExpired = agentIsExpired
	}

	if expired || agentGone {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		_ = r.persistLocked()
		r.mu.Unlock()
		return uuid.Nil, ErrExpired
	}
	if agentExpired {
		return uuid.Nil, ErrExpired
	}
	return sess.AgentID, nil
}

// Revoke removes one session unconditionally.
func (r *Registry) Revoke(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	return r.persistLocked()
}

// RevokeForAgent removes every session bound to agentID. Used during
// rotation to guarantee the old agent id stops resolving before the new
// session for the rotated id becomes visible.
func (r *Registry) RevokeForAgent(agentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for id, sess := range r.sessions {
		if sess.AgentID == agentID {
			delete(r.sessions, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.persistLocked()
}

// Sweep removes every session expired as of now. Safe to call concurrently
// with Resolve/Create; it takes the same write lock they use.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	changed := false
	for id, sess := range r.sessions {
		if sess.IsExpired(now) {
			delete(r.sessions, id)
			changed = true
		}
	}
	if changed {
		_ = r.persistLocked()
	}
}

// RunSweeper periodically calls Sweep until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
