// Package httpapi exposes the daemon's HTTP surface: hook callbacks,
// config reload, fleet inspection, and the websocket endpoints.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/common/config"
	"github.com/agentforge/agentforge/internal/common/logger"
	"github.com/agentforge/agentforge/internal/connector"
	gateways "github.com/agentforge/agentforge/internal/gateway/websocket"
	"github.com/agentforge/agentforge/internal/store"
)

// EventStore is the slice of the store the API reads.
type EventStore interface {
	RecentEvents(ctx context.Context, filter store.EventFilter, limit int) ([]store.Event, error)
}

// Handlers bundles the HTTP endpoints and their dependencies.
type Handlers struct {
	agents *agent.Manager
	reg    *config.Registry
	events EventStore
	conns  *connector.Manager
	router *connector.Router
	logger *logger.Logger
}

// NewHandlers wires the HTTP handlers.
func NewHandlers(agents *agent.Manager, reg *config.Registry, events EventStore, conns *connector.Manager, router *connector.Router, log *logger.Logger) *Handlers {
	return &Handlers{
		agents: agents,
		reg:    reg,
		events: events,
		conns:  conns,
		router: router,
		logger: log.WithFields(zap.String("component", "httpapi")),
	}
}

// Register mounts all routes on the gin engine.
func (h *Handlers) Register(r *gin.Engine, ws *gateways.Handler, terminal *gateways.TerminalHandler) {
	api := r.Group("/api")
	{
		api.POST("/hooks/event", h.hookEvent)
		api.POST("/config/reload", h.reloadConfig)
		api.GET("/agents", h.listAgents)
		api.GET("/events", h.listEvents)
	}

	r.GET("/ws", ws.HandleConnection)
	r.GET("/ws/terminal/:agent_id", terminal.HandleConnection)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "forged"})
	})
}

type hookEventRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
	Event   string `json:"event" binding:"required"`
}

// hookEvent receives sub-agent lifecycle callbacks from workspace hooks.
func (h *Handlers) hookEvent(c *gin.Context) {
	var req hookEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.agents.HandleHookEvent(c.Request.Context(), req.AgentID, agent.HookEvent(req.Event)); err != nil {
		// Hooks can fire for agents that already stopped; that is not a
		// client error worth a retry.
		h.logger.Debug("Hook event dropped",
			zap.String("agent_id", req.AgentID),
			zap.String("event", req.Event),
			zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"accepted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// reloadConfig re-reads the config file and reconciles connectors and
// channel bindings against it.
func (h *Handlers) reloadConfig(c *gin.Context) {
	cfg, err := h.reg.Reload()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	if h.router != nil {
		h.router.Rebuild(cfg)
	}
	if h.conns != nil {
		h.conns.Reconcile(c.Request.Context(), cfg)
	}

	h.logger.Info("Configuration reloaded")
	c.JSON(http.StatusOK, gin.H{
		"projects":   len(cfg.Projects),
		"connectors": len(cfg.Connectors),
	})
}

// listAgents returns the current fleet.
func (h *Handlers) listAgents(c *gin.Context) {
	agents := h.agents.List()
	if project := c.Query("project"); project != "" {
		agents = h.agents.ByProject(project)
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// listEvents returns recent events, newest first.
func (h *Handlers) listEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	filter := store.EventFilter{
		AgentID: c.Query("agent_id"),
		Project: c.Query("project"),
		Kind:    c.Query("type"),
	}
	events, err := h.events.RecentEvents(c.Request.Context(), filter, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
