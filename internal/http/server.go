package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/shard"
	"shardkv/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultAddr            = ":8080"
	defaultShutdownTimeout = time.Second * 5
	defaultReadHeader      = time.Second
)

// iNode - то, что админке нужно от ноды
type iNode interface {
	ID() types.NodeID
	Pinned() bool
	Status() []shard.Status
	Flush(ctx context.Context) error
}

// Server is the admin endpoint of a node: health, shard status and metrics.
// It carries no key/value protocol.
type Server struct {
	node     iNode
	gatherer prometheus.Gatherer
	log      *slog.Logger

	ReadHeaderTimeout time.Duration

	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance. A nil gatherer serves the
// default prometheus registry.
func NewServer(node iNode, gatherer prometheus.Gatherer, addr string, log *slog.Logger) *Server {
	if addr == "" {
		addr = defaultAddr
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		node:              node,
		gatherer:          gatherer,
		log:               log,
		ReadHeaderTimeout: defaultReadHeader,
		addr:              addr,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
	}
	s.URL = "http://" + ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("admin server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/shards", s.handleShards)
	r.Post("/flush", s.handleFlush)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NodeResponse{
		Status: StatusOK,
		Node:   int(s.node.ID()),
		Pinned: s.node.Pinned(),
		Shards: s.node.Status(),
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	err := s.node.Flush(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, NewSuccessResponse())
	case errors.Is(err, dberrors.ErrClosed), errors.Is(err, dberrors.ErrChannelFull):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}
