package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/hash"
)

// MaxValueSize caps request bodies for PUT and append.
const MaxValueSize = 1 << 20

// RingNode is the part of a ring node the API serves.
type RingNode interface {
	Self() chord.NodeRef
	Successor() chord.NodeRef
	SuccessorList() []chord.NodeRef
	Predecessor() (chord.NodeRef, bool)
	FingerTable() []chord.FingerEntry
	Get(ctx context.Context, key hash.ID) ([]byte, bool, error)
	Put(ctx context.Context, key hash.ID, value []byte, appendValue bool) error
	Remove(ctx context.Context, key hash.ID) error
	LocalEntries(ctx context.Context) (map[hash.ID][]byte, error)
}

// Server represents the HTTP API server.
type Server struct {
	node       RingNode
	mux        *runtime.ServeMux
	marshaler  runtime.Marshaler
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	timeout    time.Duration
}

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RequestTimeout bounds ring operations made on behalf of a request.
	RequestTimeout time.Duration
}

// NewServer builds the routes. Nothing listens until Start.
func NewServer(cfg *Config, node RingNode, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	marshaler := &runtime.HTTPBodyMarshaler{
		Marshaler: &runtime.JSONPb{
			MarshalOptions:   protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true},
			UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
		},
	}

	s := &Server{
		node:      node,
		marshaler: marshaler,
		wsHub:     NewWebSocketHub(logger),
		logger:    logger.Component("http_api"),
		timeout:   timeout,
	}
	s.mux = runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/keys/{key}", s.handleGet},
		{http.MethodPut, "/api/v1/keys/{key}", s.handlePut},
		{http.MethodPost, "/api/v1/keys/{key}/append", s.handleAppend},
		{http.MethodDelete, "/api/v1/keys/{key}", s.handleRemove},
		{http.MethodGet, "/api/v1/node", s.handleNode},
		{http.MethodGet, "/api/v1/fingers", s.handleFingers},
		{http.MethodGet, "/api/v1/local", s.handleLocal},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/v1/", corsMiddleware(s.mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	s.handler = httpMux

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the WebSocket hub, which doubles as the node's ring event sink.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = lis
	s.wsHub.Start()

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server and disconnects subscribers.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	if s.listener == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type keyResponse struct {
	Key    string `json:"key"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

type nodeRefResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type nodeResponse struct {
	ID            string            `json:"id"`
	Address       string            `json:"address"`
	Successor     nodeRefResponse   `json:"successor"`
	Predecessor   *nodeRefResponse  `json:"predecessor,omitempty"`
	SuccessorList []nodeRefResponse `json:"successor_list"`
	LocalKeys     int               `json:"local_keys"`
}

type fingerResponse struct {
	Index int             `json:"index"`
	Start string          `json:"start"`
	Node  nodeRefResponse `json:"node"`
}

type localEntryResponse struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

func refResponse(ref chord.NodeRef) nodeRefResponse {
	return nodeRefResponse{ID: ref.ID.String(), Address: ref.Address()}
}

// handleGet returns the raw value stored under the key name.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, params map[string]string) {
	name := params["key"]
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	value, found, err := s.node.Get(ctx, hash.HashString(name))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		s.fail(w, r, status.Errorf(codes.NotFound, "key %q not found", name))
		return
	}

	s.respond(w, r, http.StatusOK, &httpbody.HttpBody{
		ContentType: "application/octet-stream",
		Data:        value,
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, params map[string]string) {
	s.store(w, r, params["key"], false)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request, params map[string]string) {
	s.store(w, r, params["key"], true)
}

func (s *Server) store(w http.ResponseWriter, r *http.Request, name string, appendValue bool) {
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxValueSize))
	if err != nil {
		s.fail(w, r, status.Errorf(codes.InvalidArgument, "failed to read value: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	key := hash.HashString(name)
	if err := s.node.Put(ctx, key, value, appendValue); err != nil {
		s.fail(w, r, err)
		return
	}

	result := "stored"
	if appendValue {
		result = "appended"
	}
	s.respond(w, r, http.StatusOK, keyResponse{Key: name, ID: key.String(), Status: result})
}

// handleRemove deletes the copy held on this node only.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, params map[string]string) {
	name := params["key"]
	key := hash.HashString(name)
	if err := s.node.Remove(r.Context(), key); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, keyResponse{Key: name, ID: key.String(), Status: "removed"})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	self := s.node.Self()
	resp := nodeResponse{
		ID:        self.ID.String(),
		Address:   self.Address(),
		Successor: refResponse(s.node.Successor()),
	}
	if pred, ok := s.node.Predecessor(); ok {
		p := refResponse(pred)
		resp.Predecessor = &p
	}
	for _, ref := range s.node.SuccessorList() {
		resp.SuccessorList = append(resp.SuccessorList, refResponse(ref))
	}
	if entries, err := s.node.LocalEntries(r.Context()); err == nil {
		resp.LocalKeys = len(entries)
	}

	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleFingers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	fingers := s.node.FingerTable()
	resp := make([]fingerResponse, len(fingers))
	for i, f := range fingers {
		resp[i] = fingerResponse{Index: i, Start: f.Start.String(), Node: refResponse(f.Node)}
	}
	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleLocal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	entries, err := s.node.LocalEntries(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := make([]localEntryResponse, 0, len(entries))
	for id, value := range entries {
		resp = append(resp, localEntryResponse{ID: id.String(), Size: len(value)})
	}
	slices.SortFunc(resp, func(a, b localEntryResponse) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	s.respond(w, r, http.StatusOK, resp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{
		"status": "ok",
		"id":     s.node.Self().ID.String(),
	})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, v any) {
	data, err := s.marshaler.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to encode response")
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.marshaler.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// fail renders err through the gateway's error handler, which picks the HTTP
// status from the gRPC code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	st := statusFor(err)
	if st.Code() == codes.Internal {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	runtime.HTTPError(r.Context(), s.mux, s.marshaler, w, r, st.Err())
}

// statusFor maps ring errors onto gRPC status codes.
func statusFor(err error) *status.Status {
	switch {
	case errors.Is(err, chord.ErrNotJoined),
		errors.Is(err, chord.ErrShutdown),
		errors.Is(err, chord.ErrOwnerUnreachable),
		errors.Is(err, pkg.ErrStorageUnavailable):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codes.Internal, err.Error())
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
