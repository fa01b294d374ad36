// Package vault owns the encrypted-at-rest credential store: one
// StoredCredential per (agent_id, service_id) pair, decrypted into memory
// on load, refreshed on read when near expiry, with at most one refresh in
// flight per key via singleflight.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"credproxy/internal/aead"
	"credproxy/internal/clock"
	"credproxy/internal/models"
	"credproxy/internal/store"
)

// ErrNotFound is returned when no credential exists for the requested key.
var ErrNotFound = errors.New("vault: credential not found")

// Refresher exchanges a refresh token for a new access token. The
// production implementation talks to the upstream's token endpoint (see
// golang.org/x/oauth2 for the client-credentials/refresh-token flow shape);
// this gateway ships a simulated Refresher per the documented gap in the
// source material, behind the same interface so swapping in a real
// exchange never touches the coordination or caching logic.
type Refresher interface {
	Refresh(serviceID string, cred models.StoredCredential) (models.StoredCredential, error)
}

// entry is the in-memory plaintext of one (agent_id, service_id) credential.
// Entries are decrypted all at once by Load and resealed on every persist.
type entry struct {
	plain models.StoredCredential
}

func keyFor(agentID uuid.UUID, serviceID string) string {
	return agentID.String() + "/" + serviceID
}

// Vault is the credential store.
type Vault struct {
	clock           clock.Clock
	box             *aead.Box
	snap            store.Snapshotter
	refresher       Refresher
	refreshThreshold time.Duration

	sf singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
}

// New builds a Vault. refreshThreshold is the skew window below which a
// credential is considered near-expiry (default 60s per the refresh
// policy).
func New(clk clock.Clock, box *aead.Box, snap store.Snapshotter, refresher Refresher, refreshThreshold time.Duration) *Vault {
	if refreshThreshold <= 0 {
		refreshThreshold = 60 * time.Second
	}
	return &Vault{
		clock:            clk,
		box:              box,
		snap:             snap,
		refresher:        refresher,
		refreshThreshold: refreshThreshold,
		entries:          make(map[string]entry),
	}
}

// sealedRecord is the on-disk shape of one vault entry: ciphertext plus the
// key material needed to reconstruct its AAD and map key on load.
type sealedRecord struct {
	AgentID   uuid.UUID `json:"agent_id"`
	ServiceID string    `json:"service_id"`
	Blob      []byte    `json:"blob"`
}

// Load decrypts every persisted entry into memory. A decryption failure on
// any single entry is fatal — partial loading would silently drop
// credentials, so Load returns an error wrapping aead.ErrConfig and the
// caller must abort startup.
func (v *Vault) Load() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var records []sealedRecord
	if err := store.LoadJSON(v.snap, &records); err != nil {
		return fmt.Errorf("vault: load snapshot: %w", err)
	}

	entries := make(map[string]entry, len(records))
	for _, rec := range records {
		aad := aadFor(rec.AgentID, rec.ServiceID)
		plaintext, err := v.box.Open(rec.Blob, aad)
		if err != nil {
			return fmt.Errorf("%w: vault: decrypt entry for agent=%s service=%s: %w", aead.ErrConfig, rec.AgentID, rec.ServiceID, err)
		}
		var cred models.StoredCredential
		if err := json.Unmarshal(plaintext, &cred); err != nil {
			return fmt.Errorf("%w: vault: decode entry for agent=%s service=%s: %w", aead.ErrConfig, rec.AgentID, rec.ServiceID, err)
		}
		entries[keyFor(rec.AgentID, rec.ServiceID)] = entry{plain: cred}
	}
	v.entries = entries
	return nil
}

func aadFor(agentID uuid.UUID, serviceID string) []byte {
	b := agentID[:]
	return append(append([]byte{}, b...), []byte(serviceID)...)
}

// persistLocked reseals every in-memory entry and writes the full snapshot.
// Called with mu held (read or write is fine for sealing — encryption does
// not mutate v.entries — but callers hold it to keep the snapshot
// consistent with the map they just mutated).
func (v *Vault) persistLocked() error {
	records := make([]sealedRecord, 0, len(v.entries))
	for key, e := range v.entries {
		agentID, serviceID, err := splitKey(key)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(e.plain)
		if err != nil {
			return fmt.Errorf("vault: encode entry: %w", err)
		}
		blob, err := v.box.Seal(plaintext, aadFor(agentID, serviceID))
		if err != nil {
			return fmt.Errorf("vault: seal entry: %w", err)
		}
		records = append(records, sealedRecord{AgentID: agentID, ServiceID: serviceID, Blob: blob})
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode snapshot: %w", err)
	}
	return v.snap.Persist(data)
}

func splitKey(key string) (uuid.UUID, string, error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			agentID, err := uuid.Parse(key[:i])
			if err != nil {
				return uuid.Nil, "", fmt.Errorf("vault: malformed key %q: %w", key, err)
			}
			return agentID, key[i+1:], nil
		}
	}
	return uuid.Nil, "", fmt.Errorf("vault: malformed key %q", key)
}

// Get returns a fresh credential for (agentID, serviceID), refreshing it
// first if it is absent an expiry-free guarantee and within the refresh
// threshold of expiring. Concurrent Get calls on the same key that both
// observe a stale credential coalesce onto a single refresh invocation.
func (v *Vault) Get(agentID uuid.UUID, serviceID string) (models.StoredCredential, error) {
	key := keyFor(agentID, serviceID)

	v.mu.RLock()
	e, ok := v.entries[key]
	v.mu.RUnlock()
	if !ok {
		return models.StoredCredential{}, ErrNotFound
	}

	now := v.clock.Now()
	if !e.plain.NeedsRefresh(now, v.refreshThreshold) {
		return e.plain, nil
	}
	if e.plain.RefreshToken == nil {
		return e.plain, nil
	}

	result, err, _ := v.sf.Do(key, func() (any, error) {
		return v.doRefresh(key, agentID, serviceID)
	})
	if err != nil {
		return models.StoredCredential{}, err
	}
	return result.(models.StoredCredential), nil
}

func (v *Vault) doRefresh(key string, agentID uuid.UUID, serviceID string) (models.StoredCredential, error) {
	v.mu.RLock()
	e, ok := v.entries[key]
	v.mu.RUnlock()
	if !ok {
		return models.StoredCredential{}, ErrNotFound
	}
	// A caller that saw the stale credential may reach here after an earlier
	// refresh already completed; reuse that result instead of refreshing again.
	if !e.plain.NeedsRefresh(v.clock.Now(), v.refreshThreshold) {
		return e.plain, nil
	}

	refreshed, err := v.refresher.Refresh(serviceID, e.plain)
	if err != nil {
		return models.StoredCredential{}, fmt.Errorf("vault: refresh agent=%s service=%s: %w", agentID, serviceID, err)
	}

	v.mu.Lock()
	v.entries[key] = entry{plain: refreshed}
	persistErr := v.persistLocked()
	v.mu.Unlock()
	if persistErr != nil {
		return models.StoredCredential{}, persistErr
	}
	return refreshed, nil
}

// Put seals and persists a credential for (agentID, serviceID), replacing
// any existing entry.
func (v *Vault) Put(agentID uuid.UUID, serviceID string, cred models.StoredCredential) error {
	key := keyFor(agentID, serviceID)
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.entries[key]
	v.entries[key] = entry{plain: cred}
	if err := v.persistLocked(); err != nil {
		if had {
			v.entries[key] = prev
		} else {
			delete(v.entries, key)
		}
		return err
	}
	return nil
}

// Delete removes the credential for (agentID, serviceID), if any.
func (v *Vault) Delete(agentID uuid.UUID, serviceID string) error {
	key := keyFor(agentID, serviceID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[key]; !ok {
		return nil
	}
	delete(v.entries, key)
	return v.persistLocked()
}

// RekeyAgent moves every credential owned by oldID to newID, used by the
// agent registry during rotation. Called with the agent registry's write
// lock already held, continuing the fixed lock order (agent map, then
// vault index, then session registry).
func (v *Vault) RekeyAgent(oldID, newID uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	prefix := oldID.String() + "/"
	moved := make(map[string]entry)
	for key, e := range v.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			serviceID := key[len(prefix):]
			moved[keyFor(newID, serviceID)] = e
		}
	}
	if len(moved) == 0 {
		return nil
	}
	for key, e := range moved {
		v.entries[key] = e
	}
	for key := range v.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(v.entries, key)
		}
	}
	if err := v.persistLocked(); err != nil {
		return fmt.Errorf("vault: rekey agent %s to %s: %w", oldID, newID, err)
	}
	return nil
}
