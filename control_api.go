package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

type controlAPIServer struct {
	node        *forgeNode
	token       string
	auth        *walletAuth
	corsOrigins []string
	srv         *http.Server
	mu          sync.Mutex
	rate        map[string]rateWindow
	upgrader    websocket.Upgrader
}

type rateWindow struct {
	start time.Time
	count int
}

const (
	controlRateLimitCount  = 120
	controlRateLimitWindow = time.Minute
	controlShutdownTimeout = 3 * time.Second
	controlMaxBodyBytes    = 64 << 10

	tokenHeader     = "X-AgentForge-Token"
	callerHeader    = "X-AgentForge-Caller"
	requestIDHeader = "X-Request-ID"
)

type controlAPIConfig struct {
	Token       string
	JWTSecret   string
	JWTTTL      time.Duration
	CORSOrigins []string
}

func newControlAPI(node *forgeNode, cfg controlAPIConfig) (*controlAPIServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	c := &controlAPIServer{
		node:        node,
		token:       strings.TrimSpace(cfg.Token),
		corsOrigins: cfg.CORSOrigins,
		rate:        make(map[string]rateWindow),
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		auth, err := newWalletAuth(cfg.JWTSecret, cfg.JWTTTL)
		if err != nil {
			return nil, err
		}
		c.auth = auth
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     c.checkOrigin,
	}
	return c, nil
}

func startControlAPI(listenAddr string, node *forgeNode, cfg controlAPIConfig) (*controlAPIServer, error) {
	c, err := newControlAPI(node, cfg)
	if err != nil {
		return nil, err
	}
	c.srv = &http.Server{
		Addr:              listenAddr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[ControlAPI] Listen error: %v\n", err)
		}
	}()
	return c, nil
}

// Handler builds the routed control API.
func (c *controlAPIServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(chimw.RequestSize(controlMaxBodyBytes))
	if len(c.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: c.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowedHeaders: []string{"Content-Type", "Authorization", tokenHeader},
			ExposedHeaders: []string{requestIDHeader},
		}).Handler)
	}

	r.Handle("/metrics", c.operatorGate(promhttp.HandlerFor(c.node.metrics.Registry, promhttp.HandlerOpts{})))

	r.Route("/v1", func(r chi.Router) {
		r.Use(c.operatorGate)

		r.Get("/status", c.handleStatus)
		r.Post("/auth/challenge", c.handleAuthChallenge)
		r.Post("/auth/verify", c.handleAuthVerify)

		c.registerIdentityRoutes(r)
		c.registerAgentRoutes(r)
		c.registerLedgerRoutes(r)
	})
	return r
}

func (c *controlAPIServer) Stop() error {
	if c == nil || c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (c *controlAPIServer) operatorGate(next http.Handler) http.Handler {
	return c.withAuth(next.ServeHTTP)
}

func (c *controlAPIServer) withAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.allowRequest(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		if c.token != "" {
			raw := r.Header.Get(tokenHeader)
			// browsers cannot set headers on a websocket handshake
			if raw == "" && websocket.IsWebSocketUpgrade(r) {
				raw = r.URL.Query().Get("token")
			}
			in := []byte(strings.TrimSpace(raw))
			expected := []byte(c.token)
			if len(in) != len(expected) || subtle.ConstantTimeCompare(in, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (c *controlAPIServer) allowRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
		if host == "" {
			host = "unknown"
		}
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.rate[host]
	if w.start.IsZero() || now.Sub(w.start) >= controlRateLimitWindow {
		w = rateWindow{start: now, count: 0}
	}
	if w.count >= controlRateLimitCount {
		c.rate[host] = w
		return false
	}
	w.count++
	c.rate[host] = w
	return true
}

func (c *controlAPIServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range c.corsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// caller resolves the address a mutating request acts as. With wallet auth
// enabled it is the subject of the bearer token; otherwise the operator names
// it in X-AgentForge-Caller.
func (c *controlAPIServer) caller(r *http.Request) (common.Address, error) {
	if c.auth != nil {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		tok, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || strings.TrimSpace(tok) == "" {
			return common.Address{}, errors.New("bearer token required")
		}
		return c.auth.Caller(strings.TrimSpace(tok))
	}
	raw := strings.TrimSpace(r.Header.Get(callerHeader))
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s header must be an address", callerHeader)
	}
	return common.HexToAddress(raw), nil
}

func (c *controlAPIServer) requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, err := c.caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": err.Error()})
		return common.Address{}, false
	}
	return addr, true
}

func (c *controlAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.node.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      st,
		"wallet_auth": c.auth != nil,
	})
}

func (c *controlAPIServer) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if c.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "wallet auth is disabled"})
		return
	}
	var req struct {
		Address string `json:"address" validate:"required,eth_addr"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	msg := c.auth.Challenge(common.HexToAddress(req.Address))
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

func (c *controlAPIServer) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if c.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "wallet auth is disabled"})
		return
	}
	var req struct {
		Address   string `json:"address" validate:"required,eth_addr"`
		Signature string `json:"signature" validate:"required"`
	}
	if !decodeAndValidate(w, r, &req) {
		return
	}
	token, exp, err := c.auth.Verify(common.HexToAddress(req.Address), req.Signature)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": exp.Unix(),
	})
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request body"
	}
	fe := fieldErrs[0]
	switch fe.ActualTag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", fe.Field())
	case "eth_addr":
		return fmt.Sprintf("%s must be a 0x-prefixed address", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := decodeJSON(r, out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return false
	}
	if err := requestValidator.Struct(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": validationMessage(err)})
		return false
	}
	return true
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func revertStatus(kind revert.Kind) int {
	switch kind {
	case revert.Unauthorized:
		return http.StatusForbidden
	case revert.NotFound:
		return http.StatusNotFound
	case revert.DuplicateToken, revert.AgentInactive:
		return http.StatusConflict
	case revert.InvalidPayment, revert.InvalidArgument:
		return http.StatusBadRequest
	case revert.InsufficientFunds:
		return http.StatusPaymentRequired
	case revert.TransferFailed:
		return http.StatusBadGateway
	case revert.ArithmeticOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := revert.KindOf(err)
	status := revertStatus(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		fmt.Printf("[ControlAPI] Internal error: %v\n", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]interface{}{"error": msg, "kind": kind})
}

func parseLimit(raw string, fallback int, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

func parseOffset(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func pathCarvID(r *http.Request) (*big.Int, error) {
	return state.ParseBig(chi.URLParam(r, "id"))
}

func pathAgentID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, revert.Newf(revert.InvalidArgument, "invalid agent id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, revert.Newf(revert.InvalidArgument, "invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}
