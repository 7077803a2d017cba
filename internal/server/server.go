package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"flarebridge/internal/attestation"
	"flarebridge/internal/config"
	"flarebridge/internal/hmacauth"
	"flarebridge/internal/instruction"
	"flarebridge/internal/workflow"
)

// Orchestrator is the workflow surface the HTTP layer drives.
type Orchestrator interface {
	BridgeMintTransfer(ctx context.Context, seed, recipient string, lots, agentVaultID int64) (workflow.BridgeOutcome, error)
	Payout(ctx context.Context, destination string, lots int64) (workflow.PayoutOutcome, error)
	ReserveAndDeposit(ctx context.Context, seed string, lots, agentVaultID, vaultID int64) (workflow.DepositOutcome, error)
	ClaimByProof(ctx context.Context, req attestation.Request, policy common.Address) (workflow.ClaimOutcome, error)
}

// HealthChecker is satisfied by the chain client and the Postgres store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.Config
	orch       Orchestrator
	store      workflow.Store
	hmac       *hmacauth.Verifier
	metrics    *metricsRegistry
	httpServer *http.Server
	rpcHealth  HealthChecker
	dbHealth   HealthChecker
	log        *slog.Logger
}

func NewServer(cfg *config.Config, orch Orchestrator, store workflow.Store, rpc HealthChecker, activeWatches func() int64, log *slog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		orch:  orch,
		store: store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Server.HMACSecret,
			MaxSkew: cfg.Server.HMACMaxSkew,
		},
		metrics:   newMetricsRegistry(activeWatches),
		rpcHealth: rpc,
		log:       log,
	}
	if checker, ok := store.(HealthChecker); ok {
		s.dbHealth = checker
	}

	mux := http.NewServeMux()
	mux.Handle("/api/bridge", s.timed("bridge", s.hmac.Middleware(http.HandlerFunc(s.handleBridge))))
	mux.Handle("/api/bridge/deposit", s.timed("bridge_deposit", s.hmac.Middleware(http.HandlerFunc(s.handleBridgeDeposit))))
	mux.Handle("/api/payout", s.timed("payout", s.hmac.Middleware(http.HandlerFunc(s.handlePayout))))
	mux.Handle("/api/claim", s.timed("claim", s.hmac.Middleware(http.HandlerFunc(s.handleClaim))))
	mux.HandleFunc("/api/runs/", s.handleRun)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/api/metrics", s.metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// Workflow runs block on on-chain events; writes must outlive them.
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full middleware stack for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type bridgeRequest struct {
	Seed         string `json:"xrplSeed"`
	Recipient    string `json:"recipientAddress"`
	Lots         int64  `json:"lots"`
	AgentVaultID int64  `json:"agentVaultId"`
}

type bridgeDepositRequest struct {
	Seed         string `json:"xrplSeed"`
	Lots         int64  `json:"lots"`
	AgentVaultID int64  `json:"agentVaultId"`
	VaultID      int64  `json:"vaultId"`
}

type payoutRequest struct {
	Destination string `json:"destinationXrpAddress"`
	Lots        int64  `json:"lots"`
}

type claimRequest struct {
	AttestationType string                  `json:"attestationType"`
	SourceID        string                  `json:"sourceId"`
	Route           string                  `json:"route"`
	RequestBody     attestation.RequestBody `json:"requestBody"`
	PolicyAddress   string                  `json:"policyAddress"`
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload bridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Seed == "" {
		writeError(w, http.StatusBadRequest, "xrplSeed is required")
		return
	}
	if payload.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipientAddress is required")
		return
	}

	out, err := s.orch.BridgeMintTransfer(r.Context(), payload.Seed, payload.Recipient, payload.Lots, payload.AgentVaultID)
	if err != nil {
		s.metrics.incRun("bridge-mint-transfer", "failed")
		s.writeWorkflowError(w, r, err)
		return
	}
	s.metrics.incRun("bridge-mint-transfer", "completed")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBridgeDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload bridgeDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Seed == "" {
		writeError(w, http.StatusBadRequest, "xrplSeed is required")
		return
	}

	out, err := s.orch.ReserveAndDeposit(r.Context(), payload.Seed, payload.Lots, payload.AgentVaultID, payload.VaultID)
	if err != nil {
		s.metrics.incRun("reserve-and-deposit", "failed")
		s.writeWorkflowError(w, r, err)
		return
	}
	s.metrics.incRun("reserve-and-deposit", "completed")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Destination == "" {
		writeError(w, http.StatusBadRequest, "destinationXrpAddress is required")
		return
	}

	out, err := s.orch.Payout(r.Context(), payload.Destination, payload.Lots)
	if err != nil {
		s.metrics.incRun("payout", "failed")
		s.writeWorkflowError(w, r, err)
		return
	}
	s.metrics.incRun("payout", "completed")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload claimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if !common.IsHexAddress(payload.PolicyAddress) {
		writeError(w, http.StatusBadRequest, "policyAddress is not a valid address")
		return
	}

	out, err := s.orch.ClaimByProof(r.Context(), attestation.Request{
		AttestationType: payload.AttestationType,
		SourceID:        payload.SourceID,
		Route:           payload.Route,
		Body:            payload.RequestBody,
	}, common.HexToAddress(payload.PolicyAddress))
	if err != nil {
		s.metrics.incRun("claim-by-proof", "failed")
		s.writeWorkflowError(w, r, err)
		return
	}
	s.metrics.incRun("claim-by-proof", "completed")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/api/runs/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealth.Ping(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			healthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealth.Ping(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			healthy = false
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"rpc":      rpcInfo,
		"database": dbInfo,
	})
}

// writeWorkflowError maps the error taxonomy onto HTTP statuses: caller
// mistakes are 400, any stage failure is 500 with the failure's reason in
// the error envelope (ledger rejections carry their engine result code).
func (s *Server) writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("workflow request failed", "path", r.URL.Path, "err", err)
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	var (
		validationErr *workflow.ValidationError
		fieldErr      *instruction.FieldError
	)
	if errors.As(err, &validationErr) || errors.As(err, &fieldErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   msg,
	})
}

func (s *Server) timed(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.observeRequest(route, time.Since(start).Seconds())
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
