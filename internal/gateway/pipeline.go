package gateway

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"credproxy/internal/agent"
	"credproxy/internal/clock"
	"credproxy/internal/ratelimit"
	"credproxy/internal/service"
	"credproxy/internal/session"
	"credproxy/internal/upstream"
	"credproxy/internal/vault"
)

// ProxyRequest is everything the HTTP layer extracts from an ingress
// request before handing off to the pipeline.
type ProxyRequest struct {
	SessionID string
	ServiceID string
	Path      string
	Method    string
	Query     string
	Header    http.Header
	Body      io.Reader
}

// Pipeline orchestrates the ordered proxy steps: resolve, authorize,
// rate-limit, fetch credential, forward. Any step failing short-circuits
// with its ErrKind; no later step runs, and in particular rate-limit
// debits never happen for requests rejected at an earlier step.
type Pipeline struct {
	clock     clock.Clock
	services  *service.Registry
	sessions  *session.Registry
	agents    *agent.Registry
	limiter   *ratelimit.Limiter
	vault     *vault.Vault
	upstream  *upstream.Client
}

// NewPipeline wires the gateway's dependencies.
func NewPipeline(
	clk clock.Clock,
	services *service.Registry,
	sessions *session.Registry,
	agents *agent.Registry,
	limiter *ratelimit.Limiter,
	v *vault.Vault,
	up *upstream.Client,
) *Pipeline {
	return &Pipeline{
		clock:    clk,
		services: services,
		sessions: sessions,
		agents:   agents,
		limiter:  limiter,
		vault:    v,
		upstream: up,
	}
}

// Execute runs the fixed seven-step sequence for one proxy request.
func (p *Pipeline) Execute(ctx context.Context, req ProxyRequest) (*upstream.Response, *Error) {
	// Step 1: extract + validate service.
	if req.SessionID == "" {
		return nil, newError(KindUnauthorized, "missing X-Session-ID header")
	}
	svc, err := p.services.Get(req.ServiceID)
	if err != nil {
		return nil, newError(KindNotFound, "unknown service "+req.ServiceID)
	}

	// Step 2: resolve session.
	agentID, err := p.sessions.Resolve(req.SessionID)
	switch err {
	case nil:
	case session.ErrExpired:
		return nil, newError(KindSessionExpired, "session expired")
	case session.ErrUnauthorized:
		return nil, newError(KindUnauthorized, "session not found")
	default:
		return nil, newError(KindUnauthorized, "session not found")
	}

	// Step 3: authorize.
	access, err := p.agents.CheckAccess(agentID, req.ServiceID)
	if err != nil {
		return nil, newError(KindUnauthorized, "agent not found")
	}
	switch access {
	case agent.AccessExpired:
		return nil, newError(KindUnauthorized, "agent key expired")
	case agent.AccessForbidden:
		return nil, newError(KindServiceNotAllowed, "service "+req.ServiceID+" not allowed for this agent")
	}

	// Step 4: rate-limit, agent-scoped then service-scoped.
	a, err := p.agents.Get(agentID)
	if err != nil {
		return nil, newError(KindUnauthorized, "agent not found")
	}
	limit, window := a.RateLimit.MaxRequests, time.Duration(a.RateLimit.WindowSeconds)*time.Second
	decision := p.limiter.Check(agentID.String(), limit, window)
	if !decision.Allowed {
		return nil, rateLimitError(decision.RetryAfter)
	}
	if svc.RateLimit != nil {
		svcLimit, svcWindow := svc.RateLimit.MaxRequests, time.Duration(svc.RateLimit.WindowSeconds)*time.Second
		decision = p.limiter.Check(agentID.String()+"/"+req.ServiceID, svcLimit, svcWindow)
		if !decision.Allowed {
			return nil, rateLimitError(decision.RetryAfter)
		}
	}

	// Step 5: fetch credential.
	cred, err := p.vault.Get(agentID, req.ServiceID)
	if err != nil {
		return nil, newError(KindUpstreamError, "no credential available for this service")
	}

	// Step 6: forward.
	resp, err := p.upstream.Forward(ctx, svc.BaseURL, upstream.Request{
		Method: req.Method,
		Path:   req.Path,
		Query:  req.Query,
		Header: req.Header,
		Body:   req.Body,
	}, cred.TokenType, cred.AccessToken)
	if err != nil {
		return nil, newError(KindUpstreamError, "upstream request failed")
	}

	// Step 7: return upstream result as-is.
	return resp, nil
}

func rateLimitError(retryAfter time.Duration) *Error {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &Error{Kind: KindRateLimitExceeded, Message: "rate limit exceeded", RetryAfterSecs: secs}
}

// AgentExists adapts the agent registry to session.AgentExistsFunc.
func AgentExists(agents *agent.Registry) session.AgentExistsFunc {
	return func(agentID uuid.UUID) (bool, bool) {
		return agents.Exists(agentID)
	}
}
