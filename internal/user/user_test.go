package user

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"credproxy/internal/clock"
)

type memSnapshotter struct {
	mu   sync.Mutex
	data []byte
}

func (m *memSnapshotter) LoadAll() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memSnapshotter) Persist(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func TestCreateRejectsDuplicateEmailCaseInsensitively(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{})

	_, err := r.Create("alice", "Alice@Example.com")
	require.NoError(t, err)

	_, err = r.Create("alice2", "alice@example.com")
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestGetUnknownUserIsNotFound(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{})

	_, err := r.Get(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAttachAgentIsIdempotent(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{})

	u, err := r.Create("bob", "bob@example.com")
	require.NoError(t, err)

	agentID := uuid.New()
	require.NoError(t, r.AttachAgent(u.ID, agentID))
	require.NoError(t, r.AttachAgent(u.ID, agentID))

	got, err := r.Get(u.ID)
	require.NoError(t, err)
	require.Len(t, got.AgentIDs, 1)
}

func TestDetachAgentRemovesOnlyThatAgent(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{})

	u, err := r.Create("carol", "carol@example.com")
	require.NoError(t, err)

	a1, a2 := uuid.New(), uuid.New()
	require.NoError(t, r.AttachAgent(u.ID, a1))
	require.NoError(t, r.AttachAgent(u.ID, a2))

	require.NoError(t, r.DetachAgent(u.ID, a1))

	got, err := r.Get(u.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a2}, got.AgentIDs)
}

func TestLoadRoundTripsUsersAndEmailIndex(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	snap := &memSnapshotter{}
	r := New(clk, snap)

	_, err := r.Create("dave", "dave@example.com")
	require.NoError(t, err)

	r2 := New(clk, snap)
	require.NoError(t, r2.Load())

	_, err = r2.Create("dave2", "DAVE@example.com")
	require.ErrorIs(t, err, ErrDuplicateEmail)
}
