package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/db"
	"github.com/chatrelay-project/chatrelay/internal/events"
	intnet "github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/server"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

// Server is the admin REST API.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	manager  *server.Manager
	audit    *db.AuditStore

	httpServer *http.Server
	router     *gin.Engine
	startedAt  time.Time
}

// NewServer creates the API server. audit may be nil when the audit store
// is disabled.
func NewServer(cfg *config.Config, eventBus *events.EventBus, manager *server.Manager, audit *db.AuditStore) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		manager:   manager,
		audit:     audit,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetApplicationData().API
	addr := apiCfg.ListenAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		tlsConfig, err := loadTLSConfig(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
		if err != nil {
			return err
		}
		s.httpServer.TLSConfig = tlsConfig
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().
		Str("addr", addr).
		Bool("tls", apiCfg.TLSEnabled).
		Bool("auth", apiCfg.Token != "").
		Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// loadTLSConfig loads the key pair, generating a self-signed one first if
// either file is missing.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if os.IsNotExist(certErr) || os.IsNotExist(keyErr) {
		log.Warn().Str("cert", certFile).Msg("TLS certificate not found, generating a self-signed one")
		if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
			return nil, fmt.Errorf("failed to generate TLS certificate: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetApplicationData().API

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // must be false with "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleGetInfo)
	}

	protected := router.Group("/api")
	protected.Use(TokenAuth(apiCfg.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/sessions", s.handleGetSessions)
		monitor.GET("/colours", s.handleGetColours)
		monitor.GET("/audit", s.handleGetAudit)
		monitor.GET("/system", s.handleGetSystem)
		monitor.GET("/config", s.handleGetConfig)
		monitor.GET("/logs", s.handleGetLogEntries)
	}

	control := protected.Group("/control")
	{
		control.POST("/announce", s.handleAnnounce)
		control.POST("/kick/:id", s.handleKick)
		control.POST("/shutdown", s.handleShutdown)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
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
