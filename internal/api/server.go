// Package api provides the internal HTTP surface: health checks, recent
// sync run inspection, and manual sync triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vault-scanner/internal/logging"
	"github.com/vault-scanner/internal/models"
	"github.com/vault-scanner/internal/types"
)

// SyncService is the orchestration surface the server exposes.
// *service.VaultSyncService satisfies it.
type SyncService interface {
	SyncChainVaults(ctx context.Context, chain types.ChainID, snapshotDate time.Time) error
	SyncWalletPositions(ctx context.Context, wallet, seasonID string, chain types.ChainID, snapshotDate time.Time) ([]*models.VaultPosition, error)
	GetTotalVaultValue(ctx context.Context, wallet string, chain types.ChainID, date time.Time) (float64, error)
}

// RunReader lists recent sync run audit records.
// *storage.SyncRunRepository satisfies it.
type RunReader interface {
	RecentByChain(ctx context.Context, chain types.ChainID, limit int) ([]*models.SyncRun, error)
}

// Pinger covers the health check surface of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the internal ops HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	service    SyncService
	runs       RunReader
	pingers    map[string]Pinger
	logger     *logging.Logger
}

// NewServer wires routes. pingers maps store names (postgres, redis,
// clickhouse) to their ping surfaces; runs may be nil when the audit store
// is disabled.
func NewServer(addr string, service SyncService, runs RunReader, pingers map[string]Pinger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		service: service,
		runs:    runs,
		pingers: pingers,
		logger:  logging.GetGlobalLogger().WithField("component", "api"),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/internal/runs/{chain}", s.handleRecentRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/internal/sync/{chain}", s.handleTriggerSync).Methods(http.MethodPost)
	s.router.HandleFunc("/internal/wallets/{wallet}/sync", s.handleWalletSync).Methods(http.MethodPost)
	s.router.HandleFunc("/internal/wallets/{wallet}/value", s.handleWalletValue).Methods(http.MethodGet)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.pingers))
	for name, pinger := range s.pingers {
		if err := pinger.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"status": map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"checks": checks,
	})
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	chain := types.ChainID(mux.Vars(r)["chain"])
	if !types.IsSupportedChain(chain) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported chain %q", chain))
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "sync run audit store is not configured")
		return
	}

	runs, err := s.runs.RecentByChain(r.Context(), chain, 50)
	if err != nil {
		s.logger.WithError(err).Error("failed to list recent runs")
		writeError(w, http.StatusInternalServerError, "failed to list recent runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chain": chain, "runs": runs})
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	chain := types.ChainID(mux.Vars(r)["chain"])
	if !types.IsSupportedChain(chain) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported chain %q", chain))
		return
	}

	snapshotDate := models.TruncateToUTCDay(time.Now())
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		snapshotDate = parsed.UTC()
	}

	if err := s.service.SyncChainVaults(r.Context(), chain, snapshotDate); err != nil {
		s.logger.WithError(err).WithField("chain", string(chain)).Error("manual sync failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"chain":         chain,
		"snapshot_date": snapshotDate.Format("2006-01-02"),
		"status":        "enqueued",
	})
}

func (s *Server) handleWalletSync(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	chain := types.ChainID(r.URL.Query().Get("chain"))
	if !types.IsSupportedChain(chain) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported chain %q", chain))
		return
	}

	var snapshotDate time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		snapshotDate = parsed.UTC()
	}

	positions, err := s.service.SyncWalletPositions(r.Context(), wallet, r.URL.Query().Get("season"), chain, snapshotDate)
	if err != nil {
		s.logger.WithError(err).WithField("wallet", wallet).Error("wallet sync failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if positions == nil {
		positions = []*models.VaultPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wallet": wallet, "positions": positions})
}

func (s *Server) handleWalletValue(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]

	chain := types.ChainID(r.URL.Query().Get("chain"))
	if chain != "" && !types.IsSupportedChain(chain) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported chain %q", chain))
		return
	}

	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed.UTC()
	}

	value, err := s.service.GetTotalVaultValue(r.Context(), wallet, chain, date)
	if err != nil {
		s.logger.WithError(err).WithField("wallet", wallet).Error("wallet value lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to compute wallet value")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":    wallet,
		"date":      models.TruncateToUTCDay(date).Format("2006-01-02"),
		"usd_value": value,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
