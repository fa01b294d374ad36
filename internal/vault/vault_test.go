package vault

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"credproxy/internal/aead"
	"credproxy/internal/clock"
	"credproxy/internal/models"
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

type countingRefresher struct {
	calls int32
	delay time.Duration
}

func (c *countingRefresher) Refresh(serviceID string, cred models.StoredCredential) (models.StoredCredential, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	next := cred
	expiry := time.Now().Add(time.Hour)
	next.TokenExpiresAt = &expiry
	next.AccessToken = "refreshed-token"
	return next, nil
}

func newTestBox(t *testing.T) *aead.Box {
	t.Helper()
	key := make([]byte, 32)
	box, err := aead.New(key)
	require.NoError(t, err)
	return box
}

func TestGetReturnsFreshCredentialUnchanged(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	refresher := &countingRefresher{}
	v := New(clk, box, &memSnapshotter{}, refresher, 60*time.Second)

	agentID := uuid.New()
	expiry := clk.Now().Add(time.Hour)
	cred := models.StoredCredential{AccessToken: "tok", TokenExpiresAt: &expiry, TokenType: "Bearer"}
	require.NoError(t, v.Put(agentID, "svc", cred))

	got, err := v.Get(agentID, "svc")
	require.NoError(t, err)
	require.Equal(t, "tok", got.AccessToken)
	require.Equal(t, int32(0), atomic.LoadInt32(&refresher.calls))
}

func TestGetRefreshesWhenWithinThreshold(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	refresher := &countingRefresher{}
	v := New(clk, box, &memSnapshotter{}, refresher, 60*time.Second)

	agentID := uuid.New()
	expiry := clk.Now().Add(10 * time.Second)
	refreshTok := "refresh-1"
	cred := models.StoredCredential{
		AccessToken:    "tok",
		RefreshToken:   &refreshTok,
		TokenExpiresAt: &expiry,
		TokenType:      "Bearer",
	}
	require.NoError(t, v.Put(agentID, "svc", cred))

	got, err := v.Get(agentID, "svc")
	require.NoError(t, err)
	require.Equal(t, "refreshed-token", got.AccessToken)
	require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestGetWithNoRefreshTokenReturnsStaleUnchanged(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	refresher := &countingRefresher{}
	v := New(clk, box, &memSnapshotter{}, refresher, 60*time.Second)

	agentID := uuid.New()
	expiry := clk.Now().Add(10 * time.Second)
	cred := models.StoredCredential{AccessToken: "tok", TokenExpiresAt: &expiry, TokenType: "Bearer"}
	require.NoError(t, v.Put(agentID, "svc", cred))

	got, err := v.Get(agentID, "svc")
	require.NoError(t, err)
	require.Equal(t, "tok", got.AccessToken)
	require.Equal(t, int32(0), atomic.LoadInt32(&refresher.calls))
}

// TestConcurrentGetCoalescesToOneRefresh is the direct test of spec
// property 3: k concurrent Get calls triggering refresh cause exactly one
// refresh invocation, and all k observers see the same refreshed
// credential.
func TestConcurrentGetCoalescesToOneRefresh(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	refresher := &countingRefresher{delay: 50 * time.Millisecond}
	v := New(clk, box, &memSnapshotter{}, refresher, 60*time.Second)

	agentID := uuid.New()
	expiry := clk.Now().Add(5 * time.Second)
	refreshTok := "refresh-1"
	cred := models.StoredCredential{
		AccessToken:    "stale-token",
		RefreshToken:   &refreshTok,
		TokenExpiresAt: &expiry,
		TokenType:      "Bearer",
	}
	require.NoError(t, v.Put(agentID, "svc", cred))

	const k = 10
	var wg sync.WaitGroup
	results := make([]models.StoredCredential, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = v.Get(agentID, "svc")
		}(i)
	}
	wg.Wait()

	for i := 0; i < k; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "refreshed-token", results[i].AccessToken)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&refresher.calls))
}

func TestLoadRoundTripsThroughSnapshot(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	snap := &memSnapshotter{}
	v := New(clk, box, snap, &countingRefresher{}, 60*time.Second)

	agentID := uuid.New()
	cred := models.StoredCredential{AccessToken: "persisted-tok", TokenType: "Bearer"}
	require.NoError(t, v.Put(agentID, "svc", cred))

	v2 := New(clk, box, snap, &countingRefresher{}, 60*time.Second)
	require.NoError(t, v2.Load())

	got, err := v2.Get(agentID, "svc")
	require.NoError(t, err)
	require.Equal(t, "persisted-tok", got.AccessToken)
}

func TestRekeyAgentMovesCredentials(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	box := newTestBox(t)
	v := New(clk, box, &memSnapshotter{}, &countingRefresher{}, 60*time.Second)

	oldID, newID := uuid.New(), uuid.New()
	require.NoError(t, v.Put(oldID, "svc", models.StoredCredential{AccessToken: "tok", TokenType: "Bearer"}))

	require.NoError(t, v.RekeyAgent(oldID, newID))

	_, err := v.Get(oldID, "svc")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := v.Get(newID, "svc")
	require.NoError(t, err)
	require.Equal(t, "tok", got.AccessToken)
}
