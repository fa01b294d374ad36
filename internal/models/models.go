// Package models holds the domain records shared by the registries: users,
// agents, sessions, service descriptors, and the plaintext form of stored
// credentials. Ownership is by id, not by embedded pointer — a User holds
// agent ids, an Agent holds its owner's user id, and lookups always go
// through a registry (see internal/agent, internal/user, internal/session).
package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RateLimit is a sliding-window admission budget.
type RateLimit struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// DefaultAgentRateLimit is applied to an agent when none is specified.
var DefaultAgentRateLimit = RateLimit{MaxRequests: 200, WindowSeconds: 60}

// ServiceDescriptor is a statically configured upstream API. Immutable for
// the process lifetime once loaded.
type ServiceDescriptor struct {
	ID          string     `json:"service_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	BaseURL     string     `json:"base_url"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
}

// User owns a set of agents, referenced by id.
type User struct {
	ID        uuid.UUID   `json:"user_id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	AgentIDs  []uuid.UUID `json:"agent_ids"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HasAgent reports whether agentID is already attached to this user.
func (u *User) HasAgent(agentID uuid.UUID) bool {
	for _, id := range u.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Agent is a provisioned access key for one autonomous agent.
type Agent struct {
	ID              uuid.UUID           `json:"agent_id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	OwnerUserID     uuid.UUID           `json:"owner_user_id"`
	AllowedServices map[string]struct{} `json:"-"`
	RateLimit       RateLimit           `json:"rate_limit"`
	CreatedAt       time.Time           `json:"created_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
	LifespanDays    int                 `json:"lifespan_days"`
}

// AllowedServicesList returns the allowed services as a sorted slice, for
// JSON responses and deterministic tests.
func (a *Agent) AllowedServicesList() []string {
	out := make([]string, 0, len(a.AllowedServices))
	for s := range a.AllowedServices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CanAccess reports whether serviceID is in the agent's allowed set.
func (a *Agent) CanAccess(serviceID string) bool {
	_, ok := a.AllowedServices[serviceID]
	return ok
}

// IsExpired reports whether the access key has expired as of now.
func (a *Agent) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// DaysUntilExpiry returns whole days remaining, truncated toward zero: it is
// 0 from one day before expiry until one full day after it, and negative
// only once the key has been expired for at least a whole day.
func (a *Agent) DaysUntilExpiry(now time.Time) int {
	return int(a.ExpiresAt.Sub(now) / (24 * time.Hour))
}

// agentJSON is the wire shape for Agent, since AllowedServices is a set in
// memory but a list on the wire / on disk.
type agentJSON struct {
	ID              uuid.UUID `json:"agent_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	OwnerUserID     uuid.UUID `json:"owner_user_id"`
	AllowedServices []string  `json:"allowed_services"`
	RateLimit       RateLimit `json:"rate_limit"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LifespanDays    int       `json:"lifespan_days"`
}

// MarshalJSON flattens the allowed-services set into a sorted slice.
func (a Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentJSON{
		ID:              a.ID,
		Name:            a.Name,
		Description:     a.Description,
		OwnerUserID:     a.OwnerUserID,
		AllowedServices: a.AllowedServicesList(),
		RateLimit:       a.RateLimit,
		CreatedAt:       a.CreatedAt,
		ExpiresAt:       a.ExpiresAt,
		LifespanDays:    a.LifespanDays,
	})
}

// UnmarshalJSON rebuilds the allowed-services set from the wire slice.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var aj agentJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return err
	}
	a.ID = aj.ID
	a.Name = aj.Name
	a.Description = aj.Description
	a.OwnerUserID = aj.OwnerUserID
	a.RateLimit = aj.RateLimit
	a.CreatedAt = aj.CreatedAt
	a.ExpiresAt = aj.ExpiresAt
	a.LifespanDays = aj.LifespanDays
	a.AllowedServices = make(map[string]struct{}, len(aj.AllowedServices))
	for _, s := range aj.AllowedServices {
		a.AllowedServices[s] = struct{}{}
	}
	return nil
}

// Session is a short-lived opaque token bound to one agent.
type Session struct {
	ID        string    `json:"session_id"`
	AgentID   uuid.UUID `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the session has expired as of now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StoredCredential is the plaintext form of a vault entry, scoped to one
// (agent, service) pair. A credential with no RefreshToken is never
// refreshed — it is used verbatim until the upstream rejects it.
type StoredCredential struct {
	AccessToken    string     `json:"access_token"`
	RefreshToken   *string    `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	TokenType      string     `json:"token_type"`
}

// NeedsRefresh reports whether the credential's remaining lifetime is at or
// below threshold as of now. A credential with no expiry never needs refresh.
func (c *StoredCredential) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return c.TokenExpiresAt.Sub(now) <= threshold
}
