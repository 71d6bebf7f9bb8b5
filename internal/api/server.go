package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/db"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/health"
	intnet "github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/server"
	"github.com/energizer-project/replicator/internal/util"
)

// Version is reported by the ping and info endpoints.
const Version = "1.0.0"

// Server is the HTTP side of the replicator: the client handshake endpoint
// plus the monitoring and control API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    *server.Server

	// store persists handshake tokens and session history. Without it
	// initConnect hands out tokens nobody checks.
	store *db.Store

	health HealthReporter

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. store may be nil.
func NewServer(cfg *config.Config, eventBus *events.EventBus, relay *server.Server, store *db.Store) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		relay:    relay,
		store:    store,
	}
	s.router = s.buildRouter()
	return s
}

// HealthReporter supplies the latest self-check report.
type HealthReporter interface {
	Report() health.Report
}

// SetHealth attaches the health check manager to /api/public/health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the router, for mounting in tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	addr := net.JoinHostPort(app.API.Bind, strconv.Itoa(app.API.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sec := app.Security
	if sec.TLSEnabled {
		if err := ensureCertificate(sec.TLSCertFile, sec.TLSKeyFile, app.API.Bind); err != nil {
			return err
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	// SO_REUSEADDR so a restart can rebind immediately.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("HTTP API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if sec.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, sec.TLSCertFile, sec.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// ensureCertificate generates a self-signed pair when either file is
// missing.
func ensureCertificate(certFile, keyFile, bind string) error {
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("tls enabled but cert or key file not configured")
	}
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	if bind != "" && bind != "0.0.0.0" && bind != "::" {
		hosts = append(hosts, bind)
	}
	if ip, err := util.GetLocalIP(); err == nil {
		hosts = append(hosts, ip)
	}
	log.Warn().Str("cert", certFile).Msg("TLS certificate missing, generating a self-signed one")
	return util.GenerateSelfSignedCert(certFile, keyFile, hosts)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	sec := s.cfg.GetApplicationData().Security

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(sec.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// Handshake used by game clients before the UDP connect.
	router.POST("/client", s.handleClient)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
		public.GET("/stats", s.handleStats)
		public.GET("/health", s.handleHealth)
	}

	auth := RequireMonitorToken(sec.MonitorToken)

	monitor := router.Group("/api/monitor")
	monitor.Use(auth)
	{
		monitor.GET("/peers", s.handlePeers)
		monitor.GET("/entities", s.handleEntities)
		monitor.GET("/sessions", s.handleSessions)
		monitor.GET("/tokens", s.handleTokens)
		monitor.GET("/log_entries", s.handleGetLogEntries)
		monitor.GET("/events", s.handleEvents)
	}

	control := router.Group("/api/control")
	control.Use(auth)
	{
		control.POST("/kick/:id", s.handleKick)
	}

	configure := router.Group("/api/configure")
	configure.Use(auth)
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/server", s.handleSetServerField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "api",
		Payload: payload,
	})
}
