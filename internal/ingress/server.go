// Package ingress is the HTTP surface: the provider webhook, health and
// metrics endpoints, and a small read-only admin API.
package ingress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sevak/internal/dialog"
	"sevak/internal/flow"
	"sevak/internal/logging"
	"sevak/internal/metrics"
	"sevak/internal/tenant"
)

// processTimeout bounds how long one webhook delivery may spend in the
// dialog layer. The provider retries deliveries that do not get a timely
// 200, so processing is detached from the request deadline.
const processTimeout = 30 * time.Second

// Handler consumes normalized inbound messages.
type Handler interface {
	Handle(ctx context.Context, msg dialog.Inbound) error
}

// Deduper suppresses redelivered message units.
type Deduper interface {
	Seen(ctx context.Context, messageID string) bool
	Mark(ctx context.Context, messageID string)
}

// Invalidator drops cached flow definitions for a tenant.
type Invalidator interface {
	Invalidate(tenantID string)
}

// Config wires the HTTP surface.
type Config struct {
	Tenants      *tenant.Registry
	Dialog       Handler
	Guard        Deduper
	Flows        flow.Store
	FlowCache    Invalidator
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Logger       logging.Logger
	AllowOrigins []string
}

// Server owns the router and the webhook handlers.
type Server struct {
	cfg    Config
	logger logging.Logger
	router *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Tenants == nil {
		return nil, fmt.Errorf("ingress requires the tenant registry")
	}
	if cfg.Dialog == nil {
		return nil, fmt.Errorf("ingress requires the dialog handler")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	s := &Server{cfg: cfg, logger: logging.OrNop(cfg.Logger)}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/webhook", s.handleVerify)
	router.POST("/webhook", s.handleWebhook)

	admin := router.Group("/admin")
	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	admin.Use(cors.New(corsCfg))
	admin.GET("/flows/:tenant", s.handleListFlows)
	admin.POST("/flows/:tenant/reload", s.handleReloadFlows)

	s.router = router
	return s, nil
}

// Router exposes the configured router for serving and tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleVerify answers the provider's subscription handshake: echo the
// challenge when the verify token belongs to a configured tenant.
func (s *Server) handleVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" {
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	t, ok := s.cfg.Tenants.ByVerifyToken(token)
	if !ok {
		s.logger.Warn("Webhook verification rejected: unknown verify token")
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	s.logger.Info("Webhook verified for tenant %s", t.ID)
	c.String(http.StatusOK, challenge)
}

// handleWebhook accepts one delivery. It always answers 200: the provider
// retries non-200 responses, and a poison delivery retried forever is worse
// than a dropped one.
func (s *Server) handleWebhook(c *gin.Context) {
	var envelope Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		s.logger.Warn("Discarding unparseable webhook delivery: %v", err)
		c.String(http.StatusOK, "EVENT_RECEIVED")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), processTimeout)
	defer cancel()

	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			s.processChange(ctx, change)
		}
	}
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

func (s *Server) processChange(ctx context.Context, change Change) {
	if len(change.Value.Messages) == 0 {
		return
	}
	t, ok := s.cfg.Tenants.ByPhoneNumberID(change.Value.Metadata.PhoneNumberID)
	if !ok {
		s.logger.Warn("Dropping %d messages for unknown phone number id %s",
			len(change.Value.Messages), change.Value.Metadata.PhoneNumberID)
		return
	}
	for _, msg := range change.Value.Messages {
		s.processMessage(ctx, t, msg)
	}
}

func (s *Server) processMessage(ctx context.Context, t *tenant.Tenant, msg Message) {
	// One poison unit must not take down its siblings in the delivery.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic handling message %s for tenant %s: %v", msg.ID, t.ID, r)
		}
	}()

	inbound, ok := toInbound(t.ID, msg)
	if !ok {
		s.logger.Debug("Ignoring message %s of type %s", msg.ID, msg.Type)
		return
	}
	s.cfg.Metrics.MessagesReceived.WithLabelValues(t.ID, string(inbound.Kind)).Inc()

	if s.cfg.Guard != nil {
		if s.cfg.Guard.Seen(ctx, msg.ID) {
			s.cfg.Metrics.DuplicatesSuppressed.Inc()
			s.logger.Debug("Suppressing duplicate delivery of %s", msg.ID)
			return
		}
		s.cfg.Guard.Mark(ctx, msg.ID)
	}

	start := time.Now()
	if err := s.cfg.Dialog.Handle(ctx, inbound); err != nil {
		s.logger.Error("Handling message %s for tenant %s failed: %v", msg.ID, t.ID, err)
	}
	s.cfg.Metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
}

type flowSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Version  int    `json:"version"`
	Priority int    `json:"priority"`
	Steps    int    `json:"steps"`
}

func (s *Server) handleListFlows(c *gin.Context) {
	if s.cfg.Flows == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow store not configured"})
		return
	}
	tenantID := c.Param("tenant")
	if _, ok := s.cfg.Tenants.ByID(tenantID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}
	flows, err := s.cfg.Flows.List(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summaries := make([]flowSummary, 0, len(flows))
	for _, f := range flows {
		summaries = append(summaries, flowSummary{
			ID:       f.ID,
			Name:     f.Name,
			Kind:     f.Kind,
			Version:  f.Version,
			Priority: f.Priority,
			Steps:    len(f.Steps),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tenant": tenantID, "flows": summaries})
}

func (s *Server) handleReloadFlows(c *gin.Context) {
	tenantID := c.Param("tenant")
	if _, ok := s.cfg.Tenants.ByID(tenantID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}
	if s.cfg.FlowCache != nil {
		s.cfg.FlowCache.Invalidate(tenantID)
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": tenantID})
}
