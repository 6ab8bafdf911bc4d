package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dealescrow/core/events"
	"dealescrow/native/escrow"
	"dealescrow/observability"
	"dealescrow/storage/auditlog"
)

const (
	jsonRPCVersion      = "2.0"
	defaultMaxBodyBytes = 1 << 20
)

// Ledger is the balance view and dev-mint surface exposed over RPC.
type Ledger interface {
	Balance(acct escrow.Account, asset escrow.AssetClass) (uint64, error)
	Mint(acct escrow.Account, asset escrow.AssetClass, amount uint64) (uint64, error)
}

// EventLog returns persisted events for a deal.
type EventLog interface {
	List(ctx context.Context, dealID string, limit int) ([]auditlog.EventRecord, error)
}

// EventStream feeds the WebSocket endpoint.
type EventStream interface {
	Subscribe(ctx context.Context, cursor string) (<-chan events.Record, func(), []events.Record)
}

type ServerConfig struct {
	ServiceName  string
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type Server struct {
	engine  *escrow.Engine
	ledger  Ledger
	events  EventLog
	stream  EventStream
	auth    *Authenticator
	limiter *rateLimiter
	logger  *slog.Logger
	tracer  trace.Tracer
	cfg     ServerConfig

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer wires the escrow engine and ledger behind the JSON-RPC surface.
func NewServer(engine *escrow.Engine, ledger Ledger, cfg ServerConfig) (*Server, error) {
	if engine == nil {
		return nil, errors.New("rpc: escrow engine required")
	}
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "escrowd"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		ledger:  ledger,
		auth:    auth,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logger,
		tracer:  otel.Tracer(cfg.ServiceName),
		cfg:     cfg,
	}, nil
}

// SetEventLog enables escrow_listEvents.
func (s *Server) SetEventLog(log EventLog) { s.events = log }

// SetEventStream enables the /events/ws endpoint.
func (s *Server) SetEventStream(stream EventStream) { s.stream = stream }

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.auth.Middleware)
		r.Post("/rpc", s.handle)
		r.Get("/events/ws", s.handleEventsWS)
	})
	return otelhttp.NewHandler(r, s.cfg.ServiceName)
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string, readHeader, read, write, idle time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("rpc: server already started")
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("starting JSON-RPC server", slog.String("listen", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "rpc."+req.Method,
		trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()
	r = r.WithContext(ctx)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	switch req.Method {
	case "escrow_initiate":
		s.handleEscrowInitiate(rec, r, req)
	case "escrow_fund":
		s.handleEscrowTransition(rec, r, req, "fund", s.engine.Fund)
	case "escrow_openDispute":
		s.handleEscrowTransition(rec, r, req, "open_dispute", s.engine.OpenDispute)
	case "escrow_resolve":
		s.handleEscrowResolve(rec, r, req)
	case "escrow_release":
		s.handleEscrowTransition(rec, r, req, "release", s.engine.Release)
	case "escrow_refund":
		s.handleEscrowTransition(rec, r, req, "refund", s.engine.Refund)
	case "escrow_submitEvidence":
		s.handleEscrowSubmitEvidence(rec, r, req)
	case "escrow_get":
		s.handleEscrowGet(rec, r, req)
	case "escrow_listEvents":
		s.handleEscrowListEvents(rec, r, req)
	case "ledger_balance":
		s.handleLedgerBalance(rec, r, req)
	case "ledger_mint":
		s.handleLedgerMint(rec, r, req)
	default:
		writeError(rec, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}

	if rec.status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
	}
	observability.ModuleMetrics().Observe(moduleOf(req.Method), req.Method, rec.status, time.Since(start))
	attrs := []any{
		slog.String("method", req.Method),
		slog.Int("status", rec.status),
		slog.Duration("duration", time.Since(start)),
	}
	if caller, ok := CallerFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("caller", caller.Identity.String()))
	}
	s.logger.Info("rpc request", attrs...)
}

func moduleOf(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '_' {
			return method[:i]
		}
	}
	return method
}

// decodeParams unmarshals the single parameter object of req into dst.
func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
