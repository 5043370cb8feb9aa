package enclavetest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/transport"
	"go.uber.org/atomic"
)

type ServerConfig struct {
	// ListenAddr defaults to an ephemeral loopback port.
	ListenAddr string
	Log        *slog.Logger

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
}

// Server exposes replicas at their enclave paths.
type Server struct {
	cfg     *ServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	mu       sync.RWMutex
	replicas map[string]*Replica

	srv      *http.Server
	listener net.Listener
}

func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.GracefulShutdownDuration == 0 {
		cfg.GracefulShutdownDuration = 5 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	srv := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		replicas: make(map[string]*Replica),
		listener: listener,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Handler:     srv.getRouter(),
		ReadTimeout: cfg.ReadTimeout,
	}
	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	// The logging middleware's writer cannot be hijacked, so enclave
	// connections log from their handler instead.
	mux.Get("/v1/{enclave}", srv.handleEnclave)

	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Add serves replica at path, which is the enclave's URL path.
func (srv *Server) Add(path string, replica *Replica) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.replicas[path] = replica
}

// SetAvailable toggles whether enclave connections are accepted. An
// unavailable server answers 503 before the websocket upgrade.
func (srv *Server) SetAvailable(available bool) {
	srv.isReady.Store(available)
}

// Route is a plain websocket route to the server.
func (srv *Server) Route() interfaces.ConnectionParams {
	addr := srv.listener.Addr().(*net.TCPAddr)
	return interfaces.ConnectionParams{Host: addr.IP.String(), Port: uint16(addr.Port)}
}

func (srv *Server) lookup(path string) (*Replica, error) {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	replica, ok := srv.replicas[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownEnclave, path)
	}
	return replica, nil
}

func (srv *Server) handleEnclave(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	replica, err := srv.lookup("/v1/" + chi.URLParam(r, "enclave"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	uid, err := replica.Authenticate(username, password)
	if err != nil {
		srv.log.Debug("Rejecting credentials", "err", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	stream, err := transport.Accept(w, r)
	if err != nil {
		srv.log.Debug("Websocket upgrade failed", slog.String("path", r.URL.Path), "err", err)
		return
	}

	start := time.Now()
	srv.log.Info("Enclave connection accepted",
		slog.String("path", r.URL.Path),
		slog.String("uid", uid.Short()),
		slog.String("remote_addr", r.RemoteAddr))
	err = replica.Serve(r.Context(), stream, uid)
	srv.log.Info("Enclave connection closed",
		slog.String("path", r.URL.Path),
		slog.String("uid", uid.Short()),
		slog.Duration("duration", time.Since(start)),
		"err", err)
}

// PipeConnector connects to the server's replicas in memory, applying the
// same availability and credential checks as the websocket endpoint.
// Rejected connections are closed after the dial.
func (srv *Server) PipeConnector() *transport.PipeConnector {
	return &transport.PipeConnector{
		Serve: func(stream interfaces.Stream, route interfaces.ConnectionParams, path string, header http.Header) {
			if !srv.isReady.Load() {
				stream.Close()
				return
			}
			replica, err := srv.lookup(path)
			if err != nil {
				stream.Close()
				return
			}
			username, password, ok := (&http.Request{Header: header}).BasicAuth()
			if !ok {
				stream.Close()
				return
			}
			uid, err := replica.Authenticate(username, password)
			if err != nil {
				stream.Close()
				return
			}
			_ = replica.Serve(context.Background(), stream, uid)
		},
	}
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready","replicas":` + strconv.Itoa(srv.replicaCount()) + `}`))
}

func (srv *Server) replicaCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.replicas)
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if !srv.isReady.Swap(false) {
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}
	srv.log.Info("Server marked as not ready")
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if srv.isReady.Swap(true) {
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}
	srv.log.Info("Server marked as ready")
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting replica server", "listenAddress", srv.listener.Addr().String())
		if err := srv.srv.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("Replica server failed", "err", err)
		}
	}()
}

// Close stops accepting connections. Upgraded connections end when their
// clients close them.
func (srv *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful replica server shutdown failed", "err", err)
	}
}
