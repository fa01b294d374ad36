package session

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

func alwaysLive(uuid.UUID) (bool, bool) { return true, false }

func TestResolveBeforeExpiryReturnsAgent(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{}, alwaysLive)

	agentID := uuid.New()
	sess, err := r.Create(agentID, time.Minute)
	require.NoError(t, err)

	got, err := r.Resolve(sess.ID)
	require.NoError(t, err)
	require.Equal(t, agentID, got)
}

func TestResolveAfterExpiryReturnsExpired(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{}, alwaysLive)

	agentID := uuid.New()
	sess, err := r.Create(agentID, time.Minute)
	require.NoError(t, err)

	clk.Advance(61 * time.Second)

	_, err = r.Resolve(sess.ID)
	require.ErrorIs(t, err, ErrExpired)
}

func TestResolveUnknownSessionIsUnauthorized(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{}, alwaysLive)

	_, err := r.Resolve("does-not-exist")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveWhenAgentGoneIsExpired(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	gone := func(uuid.UUID) (bool, bool) { return false, false }
	r := New(clk, &memSnapshotter{}, gone)

	sess, err := r.Create(uuid.New(), time.Minute)
	require.NoError(t, err)

	_, err = r.Resolve(sess.ID)
	require.ErrorIs(t, err, ErrExpired)
}

func TestRevokeForAgentRemovesAllItsSessions(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{}, alwaysLive)

	agentID := uuid.New()
	sessA, _ := r.Create(agentID, time.Minute)
	sessB, _ := r.Create(agentID, time.Minute)
	other, _ := r.Create(uuid.New(), time.Minute)

	require.NoError(t, r.RevokeForAgent(agentID))

	_, err := r.Resolve(sessA.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Resolve(sessB.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Resolve(other.ID)
	require.NoError(t, err)
}

func TestSweepRemovesOnlyExpiredSessions(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	r := New(clk, &memSnapshotter{}, alwaysLive)

	shortLived, _ := r.Create(uuid.New(), 10*time.Second)
	longLived, _ := r.Create(uuid.New(), time.Hour)

	clk.Advance(20 * time.Second)
	r.Sweep()

	_, err := r.Resolve(shortLived.ID)
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = r.Resolve(longLived.ID)
	require.NoError(t, err)
}
