// Package api serves the admin HTTP API of a ring node: node state, key
// lookups, a websocket feed of ring events and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// Server is the admin HTTP API of one node.
type Server struct {
	node       *chord.Node
	httpServer *http.Server
	wsHub      *WebSocketHub
	gateway    *runtime.ServeMux
	marshaler  *runtime.JSONPb
	metrics    *metrics.Metrics
	logger     *pkg.Logger
}

// NewServer creates the admin API for node. The returned server's hub is set as
// the node's broadcaster and is started; call Shutdown to stop it.
func NewServer(node *chord.Node, port int, logger *pkg.Logger, m *metrics.Metrics) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		node:    node,
		metrics: m,
		logger:  logger.Component("http_api"),
		marshaler: &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		},
	}

	s.wsHub = NewWebSocketHub(logger, m)
	s.wsHub.Start()
	node.SetBroadcaster(s.wsHub)

	s.gateway = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, s.marshaler),
	)
	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/node", s.handleNode},
		{http.MethodGet, "/api/v1/lookup", s.handleLookup},
		{http.MethodPost, "/api/v1/stabilize", s.handleStabilize},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			s.wsHub.Stop()
			return nil, fmt.Errorf("failed to register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Hub returns the websocket hub publishing the node's ring events.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the full HTTP routing tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", corsMiddleware(s.gateway))
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	mux.HandleFunc("/health", s.healthHandler)
	if reg := s.metrics.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return mux
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve blocks serving the API on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("Starting HTTP API server")
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the websocket hub and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")
	s.wsHub.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	info := s.node.GetInfo()

	fingers := make([]any, 0, info.Capacity)
	for i, f := range s.node.FingerTable() {
		fingers = append(fingers, map[string]any{
			"index": i,
			"start": f.Start.Text(16),
			"node":  nodeValue(f.Node),
		})
	}

	s.render(w, r, map[string]any{
		"node":        nodeValue(info.Node),
		"capacity":    info.Capacity,
		"predecessor": nodeValue(info.Predecessor),
		"successor":   nodeValue(info.Successor),
		"fingers":     fingers,
		"shutdown":    s.node.IsShutdown(),
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.renderError(w, r, status.Error(codes.InvalidArgument, "query parameter key is required"))
		return
	}

	id, succ, path, err := s.node.Lookup(r.Context(), key)
	if err != nil {
		s.renderError(w, r, lookupStatus(err))
		return
	}

	hops := make([]any, 0, len(path))
	for _, p := range path {
		hops = append(hops, nodeValue(p))
	}
	s.render(w, r, map[string]any{
		"key":   key,
		"id":    id.Text(16),
		"owner": nodeValue(succ),
		"path":  hops,
		"hops":  len(path) - 1,
	})
}

func (s *Server) handleStabilize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.node.RequestStabilize()
	s.render(w, r, map[string]any{"requested": true})
}

// render writes body as a protobuf Struct through the gateway marshaler.
func (s *Server) render(w http.ResponseWriter, r *http.Request, body map[string]any) {
	msg, err := structpb.NewStruct(body)
	if err != nil {
		s.renderError(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	data, err := s.marshaler.Marshal(msg)
	if err != nil {
		s.renderError(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", s.marshaler.ContentType(msg))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), s.gateway, s.marshaler, w, r, err)
}

// lookupStatus maps a ring lookup error to a gRPC status for the gateway.
func lookupStatus(err error) error {
	switch {
	case errors.Is(err, chord.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chord.ErrShutdown), errors.Is(err, chord.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// nodeValue renders a ref as a Struct-compatible value; nil stays null.
func nodeValue(n *chord.NodeRef) any {
	if n == nil {
		return nil
	}
	return map[string]any{
		"id":      idText(n.ID),
		"host":    n.Host,
		"port":    n.Port,
		"address": n.Address(),
	}
}

func idText(id *big.Int) string {
	if id == nil {
		return ""
	}
	return id.Text(16)
}

// healthHandler reports 200 while the node serves and 503 once it has shut down.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.node.IsShutdown() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"shutdown"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
