package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/beamsock/beamd/internal/apps"
	"github.com/beamsock/beamd/internal/channels"
	"github.com/beamsock/beamd/internal/dispatch"
	"github.com/beamsock/beamd/internal/limits"
	"github.com/beamsock/beamd/internal/metrics"
	"github.com/beamsock/beamd/internal/stats"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// WebSocket-level keepalive pings. Browsers answer these transparently;
	// protocol-level pusher:ping/pong runs on top.
	pingPeriod = 25 * time.Second

	// A connection with no inbound traffic for this long is considered dead.
	// The protocol handshake advertises activity_timeout 30, so a live client
	// pings well inside this window.
	staleAfter = 120 * time.Second

	// How often the stale sweep runs.
	sweepInterval = 10 * time.Second
)

// Config holds the listener and admission settings.
type Config struct {
	Host string
	Port int

	// TLS key pair; both empty for plain TCP.
	TLSCertFile string
	TLSKeyFile  string

	// Largest accepted inbound frame.
	MaxRequestSizeKB int

	// Hard ceiling across all apps; 0 means unlimited.
	MaxConnections int

	// Reject new connections above this CPU percentage.
	CPURejectThreshold float64

	// Per-connection inbound frame budget; zero values take the limiter
	// defaults.
	MessageBurst  int
	MessagePerSec float64

	// Budget for the post-upgrade admission sequence.
	AdmissionDeadline time.Duration

	// How long a soft shutdown waits for connections to drain.
	DrainTimeout time.Duration
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c *Config) applyDefaults() {
	if c.MaxRequestSizeKB <= 0 {
		c.MaxRequestSizeKB = 2048
	}
	if c.AdmissionDeadline <= 0 {
		c.AdmissionDeadline = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.CPURejectThreshold <= 0 {
		c.CPURejectThreshold = 90
	}
}

// Server is the WebSocket broker front end. It owns the HTTP listener, the
// admission path and every live connection's pumps.
type Server struct {
	cfg      Config
	apps     apps.Registry
	registry *channels.Registry
	engine   *dispatch.Engine
	limiter  *limits.MessageLimiter
	guard    *limits.ResourceGuard
	sink     stats.Sink
	logger   zerolog.Logger

	httpSrv *http.Server
	conns   sync.Map // socket id -> *Connection

	currentConns int64
	shuttingDown int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the server. mounts are extra route groups (the REST API) attached
// to the same listener.
func New(cfg Config, reg apps.Registry, chans *channels.Registry, engine *dispatch.Engine,
	sink stats.Sink, logger zerolog.Logger, mounts ...func(gin.IRouter)) *Server {

	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      cfg,
		apps:     reg,
		registry: chans,
		engine:   engine,
		limiter:  limits.NewMessageLimiter(cfg.MessageBurst, cfg.MessagePerSec),
		sink:     sink,
		logger:   logger.With().Str("component", "server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if sink == nil {
		s.sink = stats.Noop{}
	}
	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, &s.currentConns, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/app/:appKey", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	for _, mount := range mounts {
		mount(router)
	}

	s.httpSrv = &http.Server{
		Addr:           cfg.addr(),
		Handler:        router,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start brings up the listener and the background sweeps. Non-blocking; the
// accept loop runs on its own goroutine.
func (s *Server) Start() error {
	s.guard.StartMonitoring(s.ctx, 15*time.Second)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("listener error")
		}
	}()

	s.wg.Add(1)
	go s.sweepStaleConnections()

	s.logger.Info().
		Str("addr", s.cfg.addr()).
		Bool("tls", s.cfg.TLSCertFile != "").
		Int("max_connections", s.cfg.MaxConnections).
		Msg("server listening")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": atomic.LoadInt64(&s.currentConns),
		"accepting":   s.registry.AcceptsNewConnections(),
	})
}

// sweepStaleConnections closes connections that have gone silent. A live
// client pings every activity_timeout seconds, so staleAfter leaves several
// missed pings of slack.
func (s *Server) sweepStaleConnections() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.conns.Range(func(_, value any) bool {
				c := value.(*Connection)
				if c.idleFor(now) > staleAfter {
					s.logger.Info().
						Str("socket_id", c.socketID).
						Str("app", c.app.ID).
						Msg("closing stale connection")
					s.closeWithError(c, "Pong reply not received", 4201)
				}
				return true
			})
		}
	}
}

// CloseAllConnections force-closes every live connection with a reconnect
// error. Used by the hard restart path.
func (s *Server) CloseAllConnections(message string) {
	s.conns.Range(func(_, value any) bool {
		s.closeWithError(value.(*Connection), message, 4200)
		return true
	})
}

// Shutdown stops the listener and tears down connections. Soft mode stops
// admission and drains for up to DrainTimeout before force-closing; hard mode
// closes everything immediately.
func (s *Server) Shutdown(ctx context.Context, soft bool) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.registry.DeclineNewConnections()

	if soft {
		s.logger.Info().
			Int64("active_connections", atomic.LoadInt64(&s.currentConns)).
			Dur("grace_period", s.cfg.DrainTimeout).
			Msg("draining connections")

		drain := time.NewTimer(s.cfg.DrainTimeout)
		check := time.NewTicker(time.Second)
		defer drain.Stop()
		defer check.Stop()

	drainLoop:
		for atomic.LoadInt64(&s.currentConns) > 0 {
			select {
			case <-drain.C:
				break drainLoop
			case <-ctx.Done():
				break drainLoop
			case <-check.C:
			}
		}
	}

	remaining := atomic.LoadInt64(&s.currentConns)
	if remaining > 0 {
		s.logger.Warn().
			Int64("remaining_connections", remaining).
			Msg("force closing remaining connections")
		s.CloseAllConnections("Server is shutting down")
	}

	err := s.httpSrv.Shutdown(ctx)
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("shutdown complete")
	return err
}
