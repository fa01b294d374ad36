// Package service holds the static, startup-loaded registry of upstream
// service descriptors. The registry is read-only after Load: the set of
// known services is a process-wide singleton for the life of the gateway.
package service

import (
	"encoding/json"
	"fmt"
	"os"

	"credproxy/internal/models"
)

// ErrNotFound is returned when a service_id is not in the registry.
var ErrNotFound = fmt.Errorf("service: not found")

// Registry is an immutable, concurrency-safe lookup of known services.
type Registry struct {
	byID map[string]models.ServiceDescriptor
}

// Load reads a JSON array of service descriptors from path and builds a
// Registry. A config_error at startup (unreadable or malformed file) is
// fatal, matching the bootstrap-time failure posture of the vault and
// crypto box.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("service: read %s: %w", path, err)
	}
	var list []models.ServiceDescriptor
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("service: decode %s: %w", path, err)
	}
	byID := make(map[string]models.ServiceDescriptor, len(list))
	for _, s := range list {
		if s.ID == "" {
			return nil, fmt.Errorf("service: descriptor missing service_id")
		}
		byID[s.ID] = s
	}
	return &Registry{byID: byID}, nil
}

// Get returns the descriptor for id, or ErrNotFound.
func (r *Registry) Get(id string) (models.ServiceDescriptor, error) {
	s, ok := r.byID[id]
	if !ok {
		return models.ServiceDescriptor{}, ErrNotFound
	}
	return s, nil
}

// Exists reports whether id names a known service.
func (r *Registry) Exists(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns every known descriptor, sorted by service_id, for the
// GET /auth/services listing.
func (r *Registry) All() []models.ServiceDescriptor {
	out := make([]models.ServiceDescriptor, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sortDescriptors(out)
	return out
}

func sortDescriptors(s []models.ServiceDescriptor) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].ID < s[j-1].ID; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
