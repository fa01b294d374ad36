package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"credproxy/internal/agent"
	"credproxy/internal/user"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type registerResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, newError(KindBadRequest, "malformed request body"))
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" {
		writeJSONError(w, newError(KindBadRequest, "username and email are required"))
		return
	}

	u, err := s.users.Create(req.Username, req.Email)
	if err == user.ErrDuplicateEmail {
		writeJSONError(w, newError(KindBadRequest, "email already registered"))
		return
	}
	if err != nil {
		writeJSONError(w, newError(KindConfigError, "could not persist user"))
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, registerResponse{UserID: u.ID.String(), Username: u.Username, Email: u.Email})
}

type createAgentRequest struct {
	UserID             string   `json:"user_id"`
	AgentName          string   `json:"agent_name"`
	AgentDescription   string   `json:"agent_description"`
	Services           []string `json:"services"`
	LifespanDays       int      `json:"lifespan_days"`
}

type createAgentResponse struct {
	AgentID         string   `json:"agent_id"`
	SessionID       string   `json:"session_id"`
	AllowedServices []string `json:"allowed_services"`
	ExpiresInSecs   int      `json:"expires_in_secs"`
	KeyExpiresAt    string   `json:"key_expires_at"`
	LifespanDays    int      `json:"lifespan_days"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, newError(KindBadRequest, "malformed request body"))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeJSONError(w, newError(KindBadRequest, "invalid user_id"))
		return
	}
	if !s.users.Exists(userID) {
		writeJSONError(w, newError(KindNotFound, "user not found"))
		return
	}
	if req.LifespanDays <= 0 {
		writeJSONError(w, newError(KindBadRequest, "lifespan_days must be positive"))
		return
	}

	a, err := s.agents.Create(userID, req.AgentName, req.AgentDescription, req.Services, req.LifespanDays)
	if err == agent.ErrUnknownService {
		writeJSONError(w, newError(KindBadRequest, "unknown service in services list"))
		return
	}
	if err != nil {
		writeJSONError(w, newError(KindConfigError, "could not persist agent"))
		return
	}
	if err := s.users.AttachAgent(userID, a.ID); err != nil {
		writeJSONError(w, newError(KindConfigError, "could not attach agent to user"))
		return
	}

	sess, err := s.sessions.Create(a.ID, s.sessionTTL)
	if err != nil {
		writeJSONError(w, newError(KindConfigError, "could not create session"))
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, createAgentResponse{
		AgentID:         a.ID.String(),
		SessionID:       sess.ID,
		AllowedServices: a.AllowedServicesList(),
		ExpiresInSecs:   int(s.sessionTTL.Seconds()),
		KeyExpiresAt:    a.ExpiresAt.Format(rfc3339),
		LifespanDays:    a.LifespanDays,
	})
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

type agentInfoResponse struct {
	AgentID         string   `json:"agent_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	OwnerUserID     string   `json:"owner_user_id"`
	AllowedServices []string `json:"allowed_services"`
	CreatedAt       string   `json:"created_at"`
	ExpiresAt       string   `json:"expires_at"`
	LifespanDays    int      `json:"lifespan_days"`
	IsExpired       bool     `json:"is_expired"`
	DaysUntilExpiry int      `json:"days_until_expiry"`
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseAgentID(w, r)
	if !ok {
		return
	}
	a, err := s.agents.Get(id)
	if err != nil {
		writeJSONError(w, newError(KindNotFound, "agent not found"))
		return
	}
	now := s.clock.Now()
	writeJSON(w, agentInfoResponse{
		AgentID:         a.ID.String(),
		Name:            a.Name,
		Description:     a.Description,
		OwnerUserID:     a.OwnerUserID.String(),
		AllowedServices: a.AllowedServicesList(),
		CreatedAt:       a.CreatedAt.Format(rfc3339),
		ExpiresAt:       a.ExpiresAt.Format(rfc3339),
		LifespanDays:    a.LifespanDays,
		IsExpired:       a.IsExpired(now),
		DaysUntilExpiry: a.DaysUntilExpiry(now),
	})
}

type rotateResponse struct {
	AgentID      string `json:"agent_id"`
	NewSessionID string `json:"new_session_id"`
	ExpiresAt    string `json:"expires_at"`
}

func (s *Server) handleRotateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseAgentID(w, r)
	if !ok {
		return
	}
	result, err := s.agents.Rotate(id, s.sessionTTL)
	if err == agent.ErrNotFound {
		writeJSONError(w, newError(KindNotFound, "agent not found"))
		return
	}
	if err != nil {
		writeJSONError(w, newError(KindConfigError, "rotation failed"))
		return
	}
	writeJSON(w, rotateResponse{
		AgentID:      result.NewAgentID.String(),
		NewSessionID: result.SessionID,
		ExpiresAt:    result.ExpiresAt.Format(rfc3339),
	})
}

type grantServiceRequest struct {
	ServiceID string `json:"service_id"`
}

type servicesResponse struct {
	AllowedServices []string `json:"allowed_services"`
}

func (s *Server) handleGrantService(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseAgentID(w, r)
	if !ok {
		return
	}
	var req grantServiceRequest
	if err := decodeJSON(r, &req); err != nil || req.ServiceID == "" {
		writeJSONError(w, newError(KindBadRequest, "service_id is required"))
		return
	}
	a, err := s.agents.GrantService(id, req.ServiceID)
	switch err {
	case nil:
	case agent.ErrNotFound:
		writeJSONError(w, newError(KindNotFound, "agent not found"))
		return
	case agent.ErrUnknownService:
		writeJSONError(w, newError(KindBadRequest, "unknown service "+req.ServiceID))
		return
	default:
		writeJSONError(w, newError(KindConfigError, "could not update agent"))
		return
	}
	writeJSON(w, servicesResponse{AllowedServices: a.AllowedServicesList()})
}

func (s *Server) handleRevokeService(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseAgentID(w, r)
	if !ok {
		return
	}
	svc := mux.Vars(r)["svc"]
	a, err := s.agents.RevokeService(id, svc)
	if err == agent.ErrNotFound {
		writeJSONError(w, newError(KindNotFound, "agent not found"))
		return
	}
	if err != nil {
		writeJSONError(w, newError(KindConfigError, "could not update agent"))
		return
	}
	writeJSON(w, servicesResponse{AllowedServices: a.AllowedServicesList()})
}

type servicesListResponse struct {
	Services []serviceView `json:"services"`
}

type serviceView struct {
	ServiceID   string `json:"service_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	all := s.services.All()
	views := make([]serviceView, 0, len(all))
	for _, d := range all {
		views = append(views, serviceView{ServiceID: d.ID, Name: d.Name, Description: d.Description})
	}
	writeJSON(w, servicesListResponse{Services: views})
}

func (s *Server) parseAgentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSONError(w, newError(KindNotFound, "agent not found"))
		return uuid.Nil, false
	}
	return id, true
}

// handleProxy is the ANY /api/{service}/{path} passthrough.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serviceID := vars["service"]
	path := strings.TrimPrefix(r.URL.Path, "/api/"+serviceID)
	if path == "" {
		path = "/"
	}

	resp, gerr := s.pipeline.Execute(r.Context(), ProxyRequest{
		SessionID: r.Header.Get("X-Session-ID"),
		ServiceID: serviceID,
		Path:      path,
		Method:    r.Method,
		Query:     r.URL.RawQuery,
		Header:    r.Header,
		Body:      r.Body,
	})
	if gerr != nil {
		writeJSONError(w, gerr)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
