// Package rpc serves the ledger's JSON-RPC 2.0 interface and the websocket
// event stream. Mutating methods require bearer authentication and are rate
// limited per source; queries are open.
package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"lendledger/node"
	"lendledger/observability"
	"lendledger/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 30 * time.Second
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Config carries the transport hardening knobs for the JSON-RPC server.
type Config struct {
	// AuthToken guards mutating methods. Falls back to the LEDGER_RPC_TOKEN
	// environment variable when empty.
	AuthToken string
	// JWTSecret additionally accepts HS256 bearer tokens signed with this
	// secret. Static token and JWT auth work side by side.
	JWTSecret string
	// RateLimitRPS bounds mutating calls per source and second.
	RateLimitRPS float64
	// RateLimitBurst is the per-source burst allowance.
	RateLimitBurst int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

func (c Config) normalise() Config {
	out := c
	out.AuthToken = strings.TrimSpace(out.AuthToken)
	if out.AuthToken == "" {
		out.AuthToken = strings.TrimSpace(os.Getenv("LEDGER_RPC_TOKEN"))
	}
	out.JWTSecret = strings.TrimSpace(out.JWTSecret)
	if out.RateLimitRPS <= 0 {
		out.RateLimitRPS = defaultRateLimitRPS
	}
	if out.RateLimitBurst <= 0 {
		out.RateLimitBurst = defaultRateLimitBurst
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	return out
}

type Server struct {
	node   *node.Node
	ledger *modules.LedgerModule
	bank   *modules.BankModule

	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	httpSrv *http.Server
}

func NewServer(n *node.Node, cfg Config) *Server {
	return &Server{
		node:     n,
		ledger:   modules.NewLedgerModule(n),
		bank:     modules.NewBankModule(n),
		cfg:      cfg.normalise(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint and the
// websocket event stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves requests on addr until Shutdown is called or the listener
// fails. TLS is enabled when the config carries certificate material.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
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
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeModuleError(w http.ResponseWriter, id interface{}, err *modules.ModuleError) {
	if err == nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", nil)
		return
	}
	status := err.HTTPStatus
	if status <= 0 {
		status = http.StatusBadRequest
	}
	code := err.Code
	if code == 0 {
		code = codeServerError
	}
	writeError(w, status, id, code, err.Message, err.Data)
}

// statusRecorder retains the status code a handler wrote so the dispatcher
// can label its metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	reader := http.MaxBytesReader(recorder, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	recorder.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(recorder, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(recorder, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(recorder, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	start := time.Now()
	s.dispatch(recorder, r, req)
	observability.ModuleMetrics().Observe(moduleForMethod(req.Method), req.Method, recorder.status, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "ledger_deposit":
		if !s.guardMutation(w, r, req) {
			return
		}
		s.handleLedgerDeposit(w, r, req)
	case "ledger_withdraw":
		if !s.guardMutation(w, r, req) {
			return
		}
		s.handleLedgerWithdraw(w, r, req)
	case "ledger_borrow":
		if !s.guardMutation(w, r, req) {
			return
		}
		s.handleLedgerBorrow(w, r, req)
	case "ledger_repay":
		if !s.guardMutation(w, r, req) {
			return
		}
		s.handleLedgerRepay(w, r, req)
	case "ledger_liquidate":
		if !s.guardMutation(w, r, req) {
			return
		}
		s.handleLedgerLiquidate(w, r, req)
	case "ledger_getBalance":
		s.handleLedgerGetBalance(w, r, req)
	case "ledger_getCollateralRatio":
		s.handleLedgerGetCollateralRatio(w, r, req)
	case "ledger_getPosition":
		s.handleLedgerGetPosition(w, r, req)
	case "bank_getBalance":
		s.handleBankGetBalance(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

// guardMutation enforces authentication and the per-source rate limit on
// state-changing methods. It reports whether dispatch may continue.
func (s *Server) guardMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return false
	}
	source := clientSource(r)
	if !s.allowSource(source) {
		observability.ModuleMetrics().RecordThrottle(moduleForMethod(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", source)
		return false
	}
	return true
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" && s.cfg.JWTSecret == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
		return nil
	}
	if s.cfg.JWTSecret != "" && s.verifyJWT(token) == nil {
		return nil
	}
	return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
}

func (s *Server) verifyJWT(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return fmt.Errorf("token rejected")
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func moduleForMethod(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return "rpc"
}
