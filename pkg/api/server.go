// Package api exposes the relay's HTTP surface: the two websocket
// protocol endpoints and a small operational status API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veilchat-node/pkg/network"
	"github.com/veilchat/veilchat-node/pkg/transport"
)

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default HTTP server configuration.
func DefaultConfig() Config {
	return Config{
		Port:        8443,
		ReadTimeout: 30 * time.Second,
		// Websocket endpoints hold their connections open; no write
		// timeout on the server.
	}
}

// Server serves the relay's websocket endpoints and the ops API.
type Server struct {
	log        *logrus.Entry
	relay      *network.RelayServer
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer wires routes over the relay.
func NewServer(relay *network.RelayServer, cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		log:    log.WithField("component", "api"),
		relay:  relay,
		router: router,
	}

	router.GET("/api/authenticated", s.handleWebSocket(true))
	router.GET("/api/anonymous", s.handleWebSocket(false))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/forwarding", s.handleForwarding)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleWebSocket upgrades the request and hands the transport to the
// relay. authenticated selects which endpoint flavor this is.
func (s *Server) handleWebSocket(authenticated bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := transport.Upgrade(c.Writer, c.Request)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			s.log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		if _, err := s.relay.HandleTransport(ws, authenticated); err != nil {
			s.log.WithError(err).Warn("start connection")
			ws.Close()
		}
	}
}

// StatusResponse reports relay liveness and traffic counters.
type StatusResponse struct {
	Success       bool             `json:"success"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	OnlineDevices int              `json:"onlineDevices"`
	Stats         network.Snapshot `json:"stats"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Success:       true,
		UptimeSeconds: int64(s.relay.Uptime().Seconds()),
		OnlineDevices: s.relay.OnlineDevices(),
		Stats:         s.relay.Stats(),
	})
}

// ForwardingResponse reports the state of the federated retry queue.
type ForwardingResponse struct {
	Success           bool   `json:"success"`
	PendingMessages   int    `json:"pendingMessages"`
	ForwardsQueued    uint64 `json:"forwardsQueued"`
	ForwardsDelivered uint64 `json:"forwardsDelivered"`
	ForwardsAbandoned uint64 `json:"forwardsAbandoned"`
}

// handleForwarding handles GET /api/v1/forwarding
func (s *Server) handleForwarding(c *gin.Context) {
	pending, err := s.relay.PendingForwards()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "forward queue unavailable",
		})
		return
	}
	stats := s.relay.Stats()
	c.JSON(http.StatusOK, ForwardingResponse{
		Success:           true,
		PendingMessages:   pending,
		ForwardsQueued:    stats.ForwardsQueued,
		ForwardsDelivered: stats.ForwardsDelivered,
		ForwardsAbandoned: stats.ForwardsAbandoned,
	})
}
