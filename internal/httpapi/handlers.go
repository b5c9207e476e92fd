package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"switchdesk/internal/auth"
	"switchdesk/internal/dispatch"
	"switchdesk/internal/rbac"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/internal/telephony"
	"switchdesk/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Dispatch *dispatch.Service
	Registry store.Registry
	Bus      ringbus.Bus

	// OrganizationResolver resolves which organization owns the dialed
	// number. Injected so this package makes no persistence assumptions
	// about number inventory.
	OrganizationResolver func(ctx context.Context, toNumber string) (string, error)

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// writeDispatchError maps dispatch error kinds onto HTTP statuses. The body
// carries a stable error code; losing claimers key off already_claimed.
func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyClaimed):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already_claimed"})
	case errors.Is(err, dispatch.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_transition"})
	case errors.Is(err, dispatch.ErrNotOwner):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_owner"})
	case errors.Is(err, dispatch.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, dispatch.ErrStoreUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// --- Auth ---

type loginRequest struct {
	AgentID        string `json:"agent_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID == "" || req.OrganizationID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id, organization_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.AgentID, req.OrganizationID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Call lifecycle ---

// ClaimCall races the caller's agent against every other session for the
// call. Exactly one claimer gets 200; the rest get 409 already_claimed.
func (h Handlers) ClaimCall(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}
	callID := c.Param("call_id")

	call, err := h.Dispatch.Claim(c.Request.Context(), callID, agentID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"won": true, "call": call})
}

func (h Handlers) ParkCall(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}
	callID := c.Param("call_id")

	parked, err := h.Dispatch.Park(c.Request.Context(), callID, agentID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parked": true, "bridge_id": parked.BridgeID})
}

type transferRequest struct {
	TargetAgentID string `json:"target_agent_id"`
}

func (h Handlers) TransferCall(c *gin.Context) {
	callID := c.Param("call_id")

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.TargetAgentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target_agent_id required"})
		return
	}

	if err := h.Dispatch.Transfer(c.Request.Context(), callID, req.TargetAgentID); err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h Handlers) EndCall(c *gin.Context) {
	callID := c.Param("call_id")

	duration, err := h.Dispatch.End(c.Request.Context(), callID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duration": duration})
}

type outboundRequest struct {
	ToNumber      string `json:"to_number"`
	ExternalLegID string `json:"external_leg_id,omitempty"`
}

func (h Handlers) PlaceOutboundCall(c *gin.Context) {
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ToNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to_number required"})
		return
	}

	call, err := h.Dispatch.PlaceOutbound(c.Request.Context(), orgID, agentID, req.ToNumber, req.ExternalLegID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

const defaultHistoryLimit = 50

func (h Handlers) ListCalls(c *gin.Context) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	out, err := h.Registry.ListCallsByOrganization(c.Request.Context(), orgID, defaultHistoryLimit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

// ListEligibleAgents returns the organization's available agents, for
// transfer-target pickers.
func (h Handlers) ListEligibleAgents(c *gin.Context) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	out, err := h.Registry.ListEligibleAgents(c.Request.Context(), orgID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "agent lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// --- Ring event stream ---

// StreamRingEvents serves the caller's ring feed as server-sent events. The
// subscription is scoped to the caller's organization and filtered to events
// addressed to their agent (or broadcast).
func (h Handlers) StreamRingEvents(c *gin.Context) {
	log := logger.FromGin(c)

	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	events, cancel, err := h.Bus.Subscribe(c.Request.Context(), orgID, agentID)
	if err != nil {
		log.Error("ring subscribe failed", "agent_id", agentID, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "subscribe failed"})
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// --- Provider webhooks ---

// HandleVoiceWebhook converts the provider's inbound-call webhook into a
// ringing call and answers with TwiML that parks the caller in a per-call
// waiting bridge until an agent claims.
//
// NOTE: protect with provider signature validation in production.
func (h Handlers) HandleVoiceWebhook(c *gin.Context) {
	log := logger.FromGin(c)

	if h.OrganizationResolver == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "organization resolver not configured"})
		return
	}

	form, err := telephony.ParseTwilioVoice(c.Request)
	if err != nil {
		log.Warn("voice webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	orgID, err := h.OrganizationResolver(c.Request.Context(), form.To)
	if err != nil {
		log.Warn("organization resolution failed", "to", form.To, "err", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown destination"})
		return
	}

	call, err := h.Dispatch.HandleInbound(c.Request.Context(), form.ToInboundEvent(orgID, h.now()))
	if err != nil {
		log.Error("inbound dispatch failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
		return
	}

	twiml, err := telephony.RenderHoldBridge("wait-" + call.ID)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleStatusWebhook applies a provider status callback. It always replies
// 200 so the provider stops retrying; unapplied callbacks are logged and the
// reaper bounds the damage.
func (h Handlers) HandleStatusWebhook(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseTwilioStatus(c.Request)
	if err != nil {
		log.Warn("status webhook parse failed", "err", err)
		c.String(http.StatusOK, "")
		return
	}

	ev := form.ToStatusEvent()
	if err := h.Dispatch.OnProviderStatus(c.Request.Context(), ev.ExternalLegID, ev.ProviderStatus, ev.DurationSeconds); err != nil {
		log.Error("status callback not applied", "external_leg_id", ev.ExternalLegID, "provider_status", ev.ProviderStatus, "err", err)
	}
	c.String(http.StatusOK, "")
}

// Convenience middleware bundles.

func RequireOrganizationAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOrganization(), rbac.RequireAnyRole(roles...)}
}
