package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/fleetwatch/internal/action"
	"github.com/loykin/fleetwatch/internal/auth"
	"github.com/loykin/fleetwatch/internal/breaker"
	"github.com/loykin/fleetwatch/internal/eventbus"
	"github.com/loykin/fleetwatch/internal/monitor"
	"github.com/loykin/fleetwatch/internal/view"
)

// Monitor is the part of *monitor.Monitor the router depends on.
type Monitor interface {
	Running() bool
	Stale() bool
	Interval() time.Duration
	Breakers() []breaker.Status
	LastResult() monitor.Result
	Sites(ctx context.Context, force bool) (view.Sites, error)
	Graph(ctx context.Context, force bool) (view.Graph, error)
	ForceBroadcast(ctx context.Context) error
	Invalidate(name string) error
}

type Options struct {
	Monitor Monitor
	Bus     *eventbus.Manager
	// Actions runs container actions requested over the websocket. Nil
	// disables them.
	Actions  action.Executor
	Auth     *auth.Middleware
	BasePath string
	Version  string
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Router provides embeddable HTTP handlers for the monitor.
// Endpoints:
//
//	GET  {basePath}/health
//	GET  {basePath}/monitor
//	GET  {basePath}/breakers
//	GET  {basePath}/sites              query: refresh=bool
//	GET  {basePath}/graph              query: refresh=bool
//	POST {basePath}/refresh            monitor:write
//	POST {basePath}/sources/:name/invalidate  sources:write
//	GET  {basePath}/ws                 subscriber websocket
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mon      Monitor
	bus      *eventbus.Manager
	actions  action.Executor
	auth     *auth.Middleware
	basePath string
	version  string
	metrics  http.Handler
	logger   *slog.Logger

	// ctx outlives individual requests; hijacked websocket connections and
	// running actions stop when it is cancelled.
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

func NewRouter(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(eventbus.Options{Logger: opts.Logger})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		mon:      opts.Monitor,
		bus:      opts.Bus,
		actions:  opts.Actions,
		auth:     opts.Auth,
		basePath: sanitizeBase(opts.BasePath),
		version:  opts.Version,
		metrics:  opts.MetricsHandler,
		logger:   opts.Logger.With(slog.String("component", "server")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.Use(r.auth.GinAuth())
	group.GET("/health", r.handleHealth)
	group.GET("/monitor", r.handleMonitor)
	group.GET("/breakers", r.handleBreakers)
	group.GET("/sites", r.handleSites)
	group.GET("/graph", r.handleGraph)
	group.POST("/refresh", r.auth.GinRequirePermission(auth.ResourceMonitor, auth.ActionWrite), r.handleRefresh)
	group.POST("/sources/:name/invalidate", r.auth.GinRequirePermission(auth.ResourceSources, auth.ActionWrite), r.handleInvalidate)
	group.GET("/ws", r.handleWS)
	return g
}

// Close disconnects websocket subscribers and waits for running actions.
func (r *Router) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer builds the HTTP server for r. The websocket handler clears its
// own connection deadlines, so WriteTimeout only bounds REST responses.
func NewServer(cfg ServerConfig, r *Router) *http.Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type monitorResp struct {
	Running         bool             `json:"running"`
	Stale           bool             `json:"stale"`
	Subscribers     int              `json:"subscribers"`
	IntervalSeconds float64          `json:"interval_seconds"`
	Breakers        []breaker.Status `json:"breakers"`
	LastTick        monitor.Result   `json:"last_tick"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{Status: "ok", Version: r.version})
}

func (r *Router) handleMonitor(c *gin.Context) {
	writeJSON(c, http.StatusOK, monitorResp{
		Running:         r.mon.Running(),
		Stale:           r.mon.Stale(),
		Subscribers:     r.bus.Count(),
		IntervalSeconds: r.mon.Interval().Seconds(),
		Breakers:        r.mon.Breakers(),
		LastTick:        r.mon.LastResult(),
	})
}

func (r *Router) handleBreakers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mon.Breakers())
}

func (r *Router) handleSites(c *gin.Context) {
	sites, err := r.mon.Sites(c.Request.Context(), queryBool(c, "refresh"))
	if err != nil {
		r.logger.Warn("sites read failed", "error", err)
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sites)
}

func (r *Router) handleGraph(c *gin.Context) {
	graph, err := r.mon.Graph(c.Request.Context(), queryBool(c, "refresh"))
	if err != nil {
		r.logger.Warn("graph read failed", "error", err)
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, graph)
}

func (r *Router) handleRefresh(c *gin.Context) {
	if err := r.mon.ForceBroadcast(c.Request.Context()); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, monitor.ErrNotRunning) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleInvalidate(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if err := r.mon.Invalidate(name); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrUnknownSource) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
