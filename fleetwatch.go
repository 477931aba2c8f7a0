package fleetwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/fleetwatch/internal/action"
	"github.com/loykin/fleetwatch/internal/auth"
	"github.com/loykin/fleetwatch/internal/breaker"
	cfg "github.com/loykin/fleetwatch/internal/config"
	"github.com/loykin/fleetwatch/internal/eventbus"
	"github.com/loykin/fleetwatch/internal/history"
	"github.com/loykin/fleetwatch/internal/history/factory"
	"github.com/loykin/fleetwatch/internal/metrics"
	"github.com/loykin/fleetwatch/internal/monitor"
	"github.com/loykin/fleetwatch/internal/server"
	"github.com/loykin/fleetwatch/internal/source"
	fwtls "github.com/loykin/fleetwatch/internal/tls"
	"github.com/loykin/fleetwatch/internal/view"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type BreakerStatus = breaker.Status

type TickResult = monitor.Result

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

type Option func(*App)

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.logger = l } }

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// WithHistorySink adds a sink next to the ones configured by DSN.
func WithHistorySink(s HistorySink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, s) }
}

// WithSource replaces the configured source of the same name. Use
// source.Erase to build one.
func WithSource(s source.Named) Option {
	return func(a *App) {
		if a.overrides == nil {
			a.overrides = map[string]source.Named{}
		}
		a.overrides[s.Name()] = s
	}
}

// WithExecutor replaces the configured action executor.
func WithExecutor(e action.Executor) Option { return func(a *App) { a.executor = e } }

// App wires a monitor, its subscribers and the HTTP surface from a Config.
type App struct {
	cfg        *Config
	logger     *slog.Logger
	version    string
	extraSinks []history.Sink
	overrides  map[string]source.Named
	executor   action.Executor

	monitor       *monitor.Monitor
	bus           *eventbus.Manager
	router        *server.Router
	server        *http.Server
	metricsServer *http.Server
	auth          *auth.Service
	closers       []io.Closer

	addr string
}

func New(c *Config, opts ...Option) (*App, error) {
	if c == nil {
		return nil, errors.New("fleetwatch: nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: c}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	sink, err := a.buildHistory()
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}

	critical, optional, err := a.buildSources()
	if err != nil {
		_ = a.closeAll()
		return nil, err
	}

	a.bus = eventbus.New(eventbus.Options{
		MaxConcurrentSends: c.Monitor.MaxConcurrentSends,
		SendTimeout:        c.Monitor.SendTimeout(),
		Logger:             a.logger,
	})

	monOpts := []monitor.Option{monitor.WithLogger(a.logger)}
	if sink != nil {
		monOpts = append(monOpts, monitor.WithHistory(sink))
	}
	builder := view.GraphBuilder{GatewayPath: c.Monitor.GatewayPath}
	a.monitor = monitor.New(c.MonitorSettings(), critical, optional, builder, a.bus, monOpts...)

	var mw *auth.Middleware
	if c.Server.Auth.Enabled {
		a.auth, err = auth.NewService(auth.Config{JWTSecret: c.Server.Auth.JWTSecret, TokenTTL: c.Server.Auth.TokenTTL()})
		if err != nil {
			_ = a.closeAll()
			return nil, err
		}
		mw = auth.NewMiddleware(a.auth)
	}

	var metricsHandler http.Handler
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			_ = a.closeAll()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if c.Metrics.Listen == "" {
			metricsHandler = metrics.Handler()
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			a.metricsServer = &http.Server{Addr: c.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		}
	}

	a.router = server.NewRouter(server.Options{
		Monitor:        a.monitor,
		Bus:            a.bus,
		Actions:        a.buildExecutor(sink),
		Auth:           mw,
		BasePath:       c.Server.BasePath,
		Version:        a.version,
		MetricsHandler: metricsHandler,
		Logger:         a.logger,
	})
	a.server = server.NewServer(server.ServerConfig{
		Addr:         c.Server.Listen,
		ReadTimeout:  c.Server.ReadTimeout(),
		WriteTimeout: c.Server.WriteTimeout(),
	}, a.router)
	a.server.TLSConfig, err = fwtls.Setup(c.Server.TLS)
	if err != nil {
		_ = a.closeAll()
		return nil, fmt.Errorf("tls: %w", err)
	}
	return a, nil
}

func (a *App) buildHistory() (history.Sink, error) {
	var sinks []history.Sink
	if a.cfg.History.Enabled {
		for _, dsn := range a.cfg.History.DSNs {
			s, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink: %w", err)
			}
			if c, ok := s.(io.Closer); ok {
				a.closers = append(a.closers, c)
			}
			sinks = append(sinks, s)
		}
	}
	sinks = append(sinks, a.extraSinks...)
	if len(sinks) == 0 {
		return nil, nil
	}
	return history.NewFanout(a.logger, sinks...), nil
}

func (a *App) buildSources() (source.Named, []source.Named, error) {
	critical, err := a.buildSource(view.SourceSites)
	if err != nil {
		return nil, nil, err
	}
	var optional []source.Named
	for _, name := range a.cfg.OptionalSources() {
		s, err := a.buildSource(name)
		if err != nil {
			return nil, nil, err
		}
		optional = append(optional, s)
	}
	extra := make([]string, 0, len(a.overrides))
	for name := range a.overrides {
		if name != view.SourceSites && !containsSource(optional, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		optional = append(optional, a.overrides[name])
	}
	return critical, optional, nil
}

func containsSource(list []source.Named, name string) bool {
	for _, s := range list {
		if s.Name() == name {
			return true
		}
	}
	return false
}

func (a *App) buildSource(name string) (source.Named, error) {
	if s, ok := a.overrides[name]; ok {
		return s, nil
	}
	sc := a.cfg.Sources[name]
	hc := source.HTTPConfig{URL: sc.URL, Token: sc.Token, Timeout: sc.Timeout(), Logger: a.logger}
	ttl := sc.CacheTTL()
	switch name {
	case view.SourceSites:
		return source.Erase[view.Inventory](name, source.NewCached[view.Inventory](source.NewHTTP[view.Inventory](hc), ttl)), nil
	case view.SourceTunnel:
		return source.Erase[view.TunnelStatus](name, source.NewCached[view.TunnelStatus](source.NewHTTP[view.TunnelStatus](hc), ttl)), nil
	case view.SourceMetrics:
		var src source.Source[view.MetricsSet] = source.NewHTTP[view.MetricsSet](hc)
		if sc.Kind == cfg.KindLocal {
			src = source.NewLocalMetrics(a.logger)
		}
		return source.Erase[view.MetricsSet](name, source.NewCached[view.MetricsSet](src, ttl)), nil
	case view.SourceBackups:
		return source.Erase[view.BackupStatus](name, source.NewCached[view.BackupStatus](source.NewHTTP[view.BackupStatus](hc), ttl)), nil
	default:
		return nil, fmt.Errorf("fleetwatch: unknown source %q", name)
	}
}

func (a *App) buildExecutor(sink history.Sink) action.Executor {
	exec := a.executor
	if exec == nil && a.cfg.Actions.Kind == cfg.KindHTTP {
		exec = action.NewHTTPExecutor(action.HTTPConfig{
			URL:     a.cfg.Actions.URL,
			Token:   a.cfg.Actions.Token,
			Timeout: a.cfg.Actions.Timeout(),
		})
	}
	if exec == nil {
		return nil
	}
	return action.NewAudited(exec, sink, a.logger)
}

// Handler returns the API handler without starting any listener.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Monitor exposes the underlying monitor.
func (a *App) Monitor() *monitor.Monitor { return a.monitor }

// Subscribers returns the number of connected subscribers.
func (a *App) Subscribers() int { return a.bus.Count() }

// IssueToken signs a bearer token. It fails when auth is disabled.
func (a *App) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	if a.auth == nil {
		return "", errors.New("fleetwatch: auth is disabled")
	}
	tok, err := a.auth.Issue(subject, roles, ttl)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Start binds the listeners and starts the monitor loop. It returns once
// the API listener is bound.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.addr = ln.Addr().String()
	go func() {
		var err error
		if a.server.TLSConfig != nil {
			err = a.server.ServeTLS(ln, "", "")
		} else {
			err = a.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("api server stopped", "error", err)
		}
	}()
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server stopped", "error", err)
			}
		}()
	}
	a.monitor.Start()
	a.logger.Info("fleetwatch started", "addr", a.addr, "base_path", a.cfg.Server.BasePath,
		"tls", a.server.TLSConfig != nil, "interval", a.monitor.Interval())
	return nil
}

// Addr is the bound API address after Start.
func (a *App) Addr() string { return a.addr }

// Shutdown stops the monitor, disconnects subscribers, waits for running
// actions and closes the history sinks.
func (a *App) Shutdown(ctx context.Context) error {
	a.monitor.Stop()
	var errs []error
	if err := a.router.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close router: %w", err))
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown api server: %w", err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
