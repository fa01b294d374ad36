package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"credproxy/internal/aead"
	"credproxy/internal/agent"
	"credproxy/internal/clock"
	"credproxy/internal/models"
	"credproxy/internal/ratelimit"
	"credproxy/internal/service"
	"credproxy/internal/session"
	"credproxy/internal/upstream"
	"credproxy/internal/user"
	"credproxy/internal/vault"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	clk := clock.NewFrozen(time.Unix(1_700_000_000, 0))

	path := filepath.Join(t.TempDir(), "services.json")
	data, err := json.Marshal([]models.ServiceDescriptor{{ID: "payment", Name: "Payment", BaseURL: upstreamURL}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	services, err := service.Load(path)
	require.NoError(t, err)

	users := user.New(clk, &memSnapshotter{})
	agents := agent.New(clk, &memSnapshotter{}, services)
	sessions := session.New(clk, &memSnapshotter{}, agents.Exists)
	agents.SetSessions(sessions)

	key := make([]byte, 32)
	box, err := aead.New(key)
	require.NoError(t, err)
	refresher := &staticRefresher{accessToken: "tok", lifetime: time.Hour, clock: clk}
	v := vault.New(clk, box, &memSnapshotter{}, refresher, 60*time.Second)
	agents.SetVault(v)

	limiter := ratelimit.New(clk)
	up := upstream.New(5 * time.Second)
	pipeline := NewPipeline(clk, services, sessions, agents, limiter, v, up)

	return NewServer(clk, zerolog.Nop(), users, agents, sessions, services, pipeline, time.Hour)
}

func TestRegisterCreateAgentProxyGoldenPath(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream-ok"))
	}))
	defer upstreamSrv.Close()

	s := newTestServer(t, upstreamSrv.URL)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	regBody, _ := json.Marshal(map[string]string{"username": "alice", "email": "alice@example.com"})
	regResp, err := http.Post(srv.URL+"/auth/register", "application/json", bytes.NewReader(regBody))
	require.NoError(t, err)
	defer regResp.Body.Close()
	require.Equal(t, http.StatusCreated, regResp.StatusCode)

	var reg registerResponse
	require.NoError(t, json.NewDecoder(regResp.Body).Decode(&reg))

	agentBody, _ := json.Marshal(map[string]any{
		"user_id":       reg.UserID,
		"agent_name":    "worker-1",
		"services":      []string{"payment"},
		"lifespan_days": 30,
	})
	agentResp, err := http.Post(srv.URL+"/auth/agent", "application/json", bytes.NewReader(agentBody))
	require.NoError(t, err)
	defer agentResp.Body.Close()
	require.Equal(t, http.StatusCreated, agentResp.StatusCode)

	var created createAgentResponse
	require.NoError(t, json.NewDecoder(agentResp.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/payment/charge", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-ID", created.SessionID)

	proxyResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer proxyResp.Body.Close()
	require.Equal(t, http.StatusOK, proxyResp.StatusCode)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	s := newTestServer(t, upstreamSrv.URL)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"username": "bob", "email": "bob@example.com"})
	resp1, err := http.Post(srv.URL+"/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp1.Body.Close()
	require.Equal(t, http.StatusCreated, resp1.StatusCode)

	resp2, err := http.Post(srv.URL+"/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestProxyMissingSessionHeaderIsUnauthorized(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	s := newTestServer(t, upstreamSrv.URL)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/payment/charge")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListServicesReturnsConfiguredServices(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	s := newTestServer(t, upstreamSrv.URL)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/auth/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed servicesListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Services, 1)
	require.Equal(t, "payment", listed.Services[0].ServiceID)
}
