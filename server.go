package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var errForcedShutdown = errors.New("forced shutdown")

type Server struct {
	tr         *Tracker
	httpServer *http.Server
	loadConfig func() (*Config, error)
	flusher    *flusher
	siteComm   *siteComm

	ready chan struct{}
	addr  net.Addr
}

// NewServer wires the tracker to its collaborators. store may be nil, in
// which case the tracker starts empty and transfers are discarded.
// loadConfig is called again on SIGHUP.
func NewServer(cfg *Config, store *boltStore, loadConfig func() (*Config, error)) *Server {
	s := &Server{
		loadConfig: loadConfig,
		ready:      make(chan struct{}),
	}

	var (
		st   Store
		sink transferSink
	)
	if store != nil {
		st = store
		s.flusher = newFlusher(store, func() time.Duration { return s.tr.config().flushInterval() })
		sink = s.flusher
	}
	notifier := newNotifier(cfg.SiteURL)
	if sc, ok := notifier.(*siteComm); ok {
		s.siteComm = sc
	}
	s.tr = newTracker(cfg, st, sink, notifier)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       seconds(cfg.KeepaliveTimeout),
	}
	s.httpServer.SetKeepAlivesEnabled(cfg.keepAlive())
	return s
}

func (s *Server) routes() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatsCollector(s.tr.stats))

	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.HandleFunc("/{password}/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !passwordMatches(chi.URLParam(r, "password"), s.tr.config().ReportPassword) {
			s.handleTracker(w, r)
			return
		}
		metrics.ServeHTTP(w, r)
	})
	// Every method reaches the dispatcher so that protocol errors are
	// answered with a bencoded failure.
	r.HandleFunc("/*", s.handleTracker)
	return r
}

// handleTracker rebuilds the request line and hands it to the dispatcher.
func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	input := r.Method + " " + r.RequestURI + " " + r.Proto
	body := s.tr.work(input, remoteIP(r))

	w.Header().Set("Content-Type", "text/plain")
	if !s.tr.config().keepAlive() {
		w.Header().Set("Connection", "close")
	}
	//nolint:errcheck // client went away
	w.Write(body)
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// Run serves until ctx is canceled or a termination signal arrives.
// SIGINT/SIGTERM starts a graceful close; a second one while closing forces
// termination. SIGHUP reloads configuration and lists.
func (s *Server) Run(ctx context.Context, signals <-chan os.Signal) error {
	cfg := s.tr.config()
	if cfg.SitePassword == insecurePassword || cfg.ReportPassword == insecurePassword {
		warn("Using insecure default site or report password. Set site_password and report_password for production use")
	}

	info("Starting Ocelot tracker: %s", version)
	if debugEnabled.Load() {
		debug("Debug mode is enabled")
	}

	if s.tr.store != nil {
		if err := s.tr.reloadLists(); err != nil {
			return err
		}
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	stop := func() {
		stopBackground()
		s.tr.wg.Wait()
		if s.flusher != nil {
			s.flusher.wait()
		}
		if s.siteComm != nil {
			s.siteComm.wait()
		}
	}

	s.tr.startReaper(bgCtx)
	if cfg.WhitelistFile != "" {
		s.tr.startWhitelistManager(bgCtx, cfg.WhitelistFile)
	}
	if s.flusher != nil {
		s.flusher.start(bgCtx)
	}
	if s.siteComm != nil {
		s.siteComm.start(bgCtx)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}
	s.addr = ln.Addr()
	close(s.ready)
	info("HTTP tracker listening on %s", s.addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	var drained chan error
	drain := func() {
		if drained != nil {
			return
		}
		info("Waiting for in-flight requests to complete...")
		drained = make(chan error, 1)
		go func() {
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			drained <- s.httpServer.Shutdown(shCtx)
		}()
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			s.tr.lifecycle.Shutdown()
			drain()
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				s.reload()
				continue
			}
			switch s.tr.lifecycle.Shutdown() {
			case ShutdownGraceful:
				drain()
			case ShutdownForced:
				_ = s.httpServer.Close()
				stop()
				return errForcedShutdown
			}
		case err := <-serveErr:
			serveErr = nil
			if !errors.Is(err, http.ErrServerClosed) {
				stop()
				return fmt.Errorf("serve: %w", err)
			}
		case err := <-drained:
			stop()
			if err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			info("Shutdown complete")
			return nil
		}
	}
}

// reload re-reads the configuration and the lists. Failures keep the
// current state.
func (s *Server) reload() {
	info("reloading configuration and lists")
	if s.loadConfig != nil {
		cfg, err := s.loadConfig()
		if err != nil {
			errorLog("config not reloaded: %v", err)
		} else {
			if cfg.ListenAddress != s.tr.config().ListenAddress {
				warn("listen_address change requires a restart")
			}
			s.tr.reloadConfig(cfg)
			s.httpServer.SetKeepAlivesEnabled(cfg.keepAlive())
		}
	}
	if s.tr.store != nil {
		if err := s.tr.reloadLists(); err != nil {
			errorLog("lists not reloaded: %v", err)
		}
	}
}
