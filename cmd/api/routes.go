package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"switchdesk/internal/auth"
	"switchdesk/internal/config"
	"switchdesk/internal/dispatch"
	"switchdesk/internal/httpapi"
	"switchdesk/internal/rbac"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/pkg/utils"

	"github.com/gin-gonic/gin"
)

type registerDeps struct {
	cfg         config.Config
	db          *sql.DB
	authManager *auth.Manager
	registry    store.Registry
	bus         ringbus.Bus
	dispatch    *dispatch.Service
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps registerDeps) {
	h := httpapi.Handlers{
		Auth:     deps.authManager,
		Dispatch: deps.dispatch,
		Registry: deps.registry,
		Bus:      deps.bus,
		OrganizationResolver: func(ctx context.Context, toNumber string) (string, error) {
			// TODO: resolve organization_id by looking up the dialed number
			// in the number inventory once it is provisioned here.
			return "", errors.New("organization resolver not implemented")
		},
	}

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: protect with Twilio signature validation in production.
	r.POST("/webhooks/telephony/voice", h.HandleVoiceWebhook)
	r.POST("/webhooks/telephony/status", h.HandleStatusWebhook)

	r.POST("/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(deps.authManager))
	{
		v1.GET("/me", func(c *gin.Context) {
			aid, _ := auth.AgentID(c.Request.Context())
			oid, _ := auth.OrganizationID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"agent_id": aid, "organization_id": oid, "role": role})
		})

		calls := v1.Group("/calls")
		calls.Use(httpapi.RequireOrganizationAndAnyRole(rbac.RoleAgent)...)
		{
			calls.GET("", h.ListCalls)
			calls.POST("/outbound", h.PlaceOutboundCall)
			calls.POST("/:call_id/claim", h.ClaimCall)
			calls.POST("/:call_id/park", h.ParkCall)
			calls.POST("/:call_id/transfer", h.TransferCall)
			calls.POST("/:call_id/end", h.EndCall)
		}

		agents := v1.Group("/agents")
		agents.Use(httpapi.RequireOrganizationAndAnyRole(rbac.RoleAgent)...)
		{
			agents.GET("/eligible", h.ListEligibleAgents)
		}

		events := v1.Group("/events")
		events.Use(httpapi.RequireOrganizationAndAnyRole(rbac.RoleAgent)...)
		{
			events.GET("/ring", h.StreamRingEvents)
		}
	}
}
