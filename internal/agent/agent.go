// Package agent implements the agent registry: provisioned access keys,
// their allowed services, expiry, and atomic rotation.
package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"credproxy/internal/clock"
	"credproxy/internal/models"
	"credproxy/internal/service"
	"credproxy/internal/session"
	"credproxy/internal/store"
)

// ErrNotFound is returned when an agent id is unknown.
var ErrNotFound = errors.New("agent: not found")

// ErrUnknownService is returned when create/grant names a service_id the
// service registry does not recognize.
var ErrUnknownService = errors.New("agent: unknown service")

// Access is the outcome of CheckAccess.
type Access int

const (
	// AccessOK means the agent may call the service now.
	AccessOK Access = iota
	// AccessForbidden means the service is not in the agent's allowed set.
	AccessForbidden
	// AccessExpired means the agent's key has expired.
	AccessExpired
)

// vaultRekeyer is the slice of the vault's surface rotation needs: moving
// every (oldID, service) credential to (newID, service) under the same
// fixed lock ordering rotation uses everywhere else.
type vaultRekeyer interface {
	RekeyAgent(oldID, newID uuid.UUID) error
}

// ownerTransferrer is the slice of the user registry's surface rotation
// needs: moving ownership of an agent id from the old id to the new one so
// a user's owned-agent set never accumulates a deleted id or drops a live
// one.
type ownerTransferrer interface {
	AttachAgent(userID, agentID uuid.UUID) error
	DetachAgent(userID, agentID uuid.UUID) error
}

// Registry stores agents keyed by id.
type Registry struct {
	clock    clock.Clock
	snap     store.Snapshotter
	services *service.Registry
	sessions *session.Registry
	vault    vaultRekeyer
	owners   ownerTransferrer

	mu   sync.RWMutex
	byID map[uuid.UUID]models.Agent
}

// New builds an empty Registry. The session registry and vault are wired in
// after construction via SetSessions/SetVault: the session registry needs
// this agent registry's Exists method for its own liveness check, so
// neither can be a constructor argument of the other. See cmd/server for
// the wiring order.
func New(clk clock.Clock, snap store.Snapshotter, services *service.Registry) *Registry {
	return &Registry{
		clock:    clk,
		snap:     snap,
		services: services,
		byID:     make(map[uuid.UUID]models.Agent),
	}
}

// SetSessions wires the session registry dependency used by Rotate. Must be
// called once during bootstrap before Rotate is ever invoked.
func (r *Registry) SetSessions(s *session.Registry) {
	r.sessions = s
}

// SetVault wires the vault dependency used by Rotate. Must be called once
// during bootstrap before Rotate is ever invoked.
func (r *Registry) SetVault(v vaultRekeyer) {
	r.vault = v
}

// SetUsers wires the user registry dependency used by Rotate to keep
// ownership in sync across a rotation. Must be called once during
// bootstrap before Rotate is ever invoked.
func (r *Registry) SetUsers(u ownerTransferrer) {
	r.owners = u
}

// Load populates the registry from its snapshot, if any.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all map[uuid.UUID]models.Agent
	if err := store.LoadJSON(r.snap, &all); err != nil {
		return err
	}
	if all != nil {
		r.byID = all
	}
	return nil
}

func (r *Registry) persistLocked() error {
	return store.PersistJSON(r.snap, r.byID)
}

// Exists reports whether id names a live agent, and whether it has expired.
// Wired into the session registry as an AgentExistsFunc so a session never
// resolves to a deleted or expired agent.
func (r *Registry) Exists(id uuid.UUID) (exists bool, expired bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return false, false
	}
	return true, a.IsExpired(r.clock.Now())
}

// Create provisions a new agent for userID. Every entry in services must
// name a known service, or the call fails with ErrUnknownService.
func (r *Registry) Create(ownerUserID uuid.UUID, name, description string, services []string, lifespanDays int) (models.Agent, error) {
	allowed := make(map[string]struct{}, len(services))
	for _, svc := range services {
		if !r.services.Exists(svc) {
			return models.Agent{}, ErrUnknownService
		}
		allowed[svc] = struct{}{}
	}

	now := r.clock.Now()
	a := models.Agent{
		ID:              uuid.New(),
		Name:            name,
		Description:     description,
		OwnerUserID:     ownerUserID,
		AllowedServices: allowed,
		RateLimit:       models.DefaultAgentRateLimit,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(lifespanDays) * 24 * time.Hour),
		LifespanDays:    lifespanDays,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ID] = a
	if err := r.persistLocked(); err != nil {
		delete(r.byID, a.ID)
		return models.Agent{}, err
	}
	return a, nil
}

// Get returns the agent with id, or ErrNotFound.
func (r *Registry) Get(id uuid.UUID) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return a, nil
}

// GrantService idempotently adds serviceID to the agent's allowed set.
func (r *Registry) GrantService(id uuid.UUID, serviceID string) (models.Agent, error) {
	if !r.services.Exists(serviceID) {
		return models.Agent{}, ErrUnknownService
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	if _, already := a.AllowedServices[serviceID]; already {
		return a, nil
	}
	a.AllowedServices[serviceID] = struct{}{}
	r.byID[id] = a
	if err := r.persistLocked(); err != nil {
		delete(a.AllowedServices, serviceID)
		return models.Agent{}, err
	}
	return a, nil
}

// RevokeService idempotently removes serviceID from the agent's allowed
// set. Removing the last remaining service is permitted.
func (r *Registry) RevokeService(id uuid.UUID, serviceID string) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	delete(a.AllowedServices, serviceID)
	r.byID[id] = a
	if err := r.persistLocked(); err != nil {
		return models.Agent{}, err
	}
	return a, nil
}

// CheckAccess evaluates whether agentID may use serviceID right now.
func (r *Registry) CheckAccess(agentID uuid.UUID, serviceID string) (Access, error) {
	r.mu.RLock()
	a, ok := r.byID[agentID]
	r.mu.RUnlock()
	if !ok {
		return AccessForbidden, ErrNotFound
	}
	if a.IsExpired(r.clock.Now()) {
		return AccessExpired, nil
	}
	if !a.CanAccess(serviceID) {
		return AccessForbidden, nil
	}
	return AccessOK, nil
}

// RotateResult carries the outcome of a successful rotation.
type RotateResult struct {
	NewAgentID uuid.UUID
	SessionID  string
	ExpiresAt  time.Time
}

// Rotate replaces agentID with a freshly minted id carrying the same
// fields, re-keys its vault credentials, revokes every session bound to the
// old id, issues one new session for the new id, and transfers ownership of
// the agent id on the owning user's record. Adding the new agent, re-keying
// the vault (agent map lock, then vault index lock) and removing the old
// agent all happen under the agent map's write lock, so no agent-map reader
// ever sees both ids, or neither. That lock is released before the session
// registry and the user registry are updated.
func (r *Registry) Rotate(agentID uuid.UUID, sessionTTL time.Duration) (RotateResult, error) {
	r.mu.Lock()
	old, ok := r.byID[agentID]
	if !ok {
		r.mu.Unlock()
		return RotateResult{}, ErrNotFound
	}

	next := old
	next.ID = uuid.New()
	next.CreatedAt = r.clock.Now()
	next.ExpiresAt = next.CreatedAt.Add(time.Duration(old.LifespanDays) * 24 * time.Hour)
	allowed := make(map[string]struct{}, len(old.AllowedServices))
	for s := range old.AllowedServices {
		allowed[s] = struct{}{}
	}
	next.AllowedServices = allowed

	r.byID[next.ID] = next
	if err := r.persistLocked(); err != nil {
		delete(r.byID, next.ID)
		r.mu.Unlock()
		return RotateResult{}, err
	}

	if r.vault != nil {
		if err := r.vault.RekeyAgent(agentID, next.ID); err != nil {
			delete(r.byID, next.ID)
			_ = r.persistLocked()
			r.mu.Unlock()
			return RotateResult{}, err
		}
	}

	delete(r.byID, agentID)
	if err := r.persistLocked(); err != nil {
		r.mu.Unlock()
		return RotateResult{}, err
	}
	r.mu.Unlock()

	if err := r.sessions.RevokeForAgent(agentID); err != nil {
		return RotateResult{}, err
	}
	sess, err := r.sessions.Create(next.ID, sessionTTL)
	if err != nil {
		return RotateResult{}, err
	}

	if r.owners != nil {
		if err := r.owners.AttachAgent(old.OwnerUserID, next.ID); err != nil {
			return RotateResult{}, err
		}
		if err := r.owners.DetachAgent(old.OwnerUserID, agentID); err != nil {
			return RotateResult{}, err
		}
	}

	return RotateResult{NewAgentID: next.ID, SessionID: sess.ID, ExpiresAt: next.ExpiresAt}, nil
}
