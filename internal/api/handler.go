package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matching"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/review"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const processingBalanceTTL = 30 * time.Second

// Rolling per-user run accounting, kept in the cache.
const (
	runCounterKey    = "runs"
	runCounterWindow = 24 * time.Hour
)

// ReloadFunc re-reads configuration from its source and returns the
// fresh config. Wired to the config loader in cmd.
type ReloadFunc func() (*domain.Config, error)

// Handler holds dependencies for API handlers. The matching config and
// transfer detector sit behind a lock so /config/reload can swap them
// without a restart.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	reload  ReloadFunc
	version string

	mu       sync.RWMutex
	cfg      domain.MatchingConfig
	detector matching.TransferDetector
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector matching.TransferDetector, cfg domain.MatchingConfig, reload ReloadFunc, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		reload:   reload,
		version:  version,
		cfg:      cfg,
		detector: detector,
	}
}

func (h *Handler) matchingConfig() (domain.MatchingConfig, matching.TransferDetector) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg, h.detector
}

// orchestrator builds a run orchestrator over the current config.
// Orchestrators are stateless between runs, so per-request construction
// is cheap and picks up reloads immediately.
func (h *Handler) orchestrator() *matching.Orchestrator {
	cfg, detector := h.matchingConfig()
	return matching.NewOrchestrator(h.repo, h.bus, detector, cfg)
}

func (h *Handler) queue() *review.Queue {
	cfg, _ := h.matchingConfig()
	return review.NewQueue(h.repo, h.bus, cfg)
}

// RunRequest is the request body for POST /reconcile/run.
type RunRequest struct {
	StatementID string `json:"statementId,omitempty"`
	Limit       int    `json:"limit,omitempty"`

	// Async hands the run to the worker via the event bus instead of
	// blocking the request.
	Async bool `json:"async,omitempty"`
}

// RunResponse is the response for a synchronous run.
type RunResponse struct {
	Stats   matching.RunStats `json:"stats"`
	Matches []*domain.Match   `json:"matches"`
}

// RunReconciliation handles POST /reconcile/run.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}
		payload, _ := json.Marshal(worker.RunRequest{
			UserID:      userID,
			StatementID: req.StatementID,
			Limit:       req.Limit,
		})
		if err := h.bus.Publish(ctx, userID, domain.TopicRunRequested, payload); err != nil {
			slog.Error("failed to enqueue run", "user_id", userID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to enqueue run",
			})
			return
		}
		h.countRun(ctx, userID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
		})
		return
	}

	matches, stats, err := h.orchestrator().Run(ctx, userID, matching.RunOptions{
		StatementID: req.StatementID,
		Limit:       req.Limit,
	})
	if err != nil {
		slog.Error("matching run failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "matching run failed",
		})
		return
	}

	// Run outcomes move the processing balance.
	h.invalidateBalance(r, userID)
	h.countRun(ctx, userID)

	if matches == nil {
		matches = []*domain.Match{}
	}
	writeJSON(w, http.StatusOK, RunResponse{Stats: stats, Matches: matches})
}

// ListMatches handles GET /matches with optional status filter and
// pagination.
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	filter := domain.MatchFilter{
		Status: domain.MatchStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	matches, err := h.repo.ListMatches(ctx, userID, filter)
	if err != nil {
		slog.Error("failed to list matches", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list matches",
		})
		return
	}

	if matches == nil {
		matches = []*domain.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

// GetMatch handles GET /matches/{id}.
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	matchID := chi.URLParam(r, "id")

	m, err := h.repo.GetMatch(ctx, userID, matchID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "match not found",
			})
			return
		}
		slog.Error("failed to get match", "match_id", matchID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get match",
		})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// AcceptRequest is the request body for POST /matches/{id}/accept.
type AcceptRequest struct {
	SkipAmountValidation bool `json:"skipAmountValidation,omitempty"`
}

// AcceptMatch handles POST /matches/{id}/accept.
func (h *Handler) AcceptMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	matchID := chi.URLParam(r, "id")

	var req AcceptRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	m, err := h.queue().Accept(ctx, userID, matchID, review.AcceptOptions{
		SkipAmountValidation: req.SkipAmountValidation,
	})
	if err != nil {
		h.writeReviewError(w, matchID, err)
		return
	}

	h.invalidateBalance(r, userID)
	writeJSON(w, http.StatusOK, m)
}

// RejectMatch handles POST /matches/{id}/reject.
func (h *Handler) RejectMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	matchID := chi.URLParam(r, "id")

	m, err := h.queue().Reject(ctx, userID, matchID)
	if err != nil {
		h.writeReviewError(w, matchID, err)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

// BatchAcceptRequest is the request body for POST /matches/batch-accept.
type BatchAcceptRequest struct {
	MatchIDs []string `json:"matchIds"`

	// MinScore silently skips matches scoring below it.
	MinScore int `json:"minScore,omitempty"`
}

// BatchAcceptMatches handles POST /matches/batch-accept.
func (h *Handler) BatchAcceptMatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req BatchAcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.MatchIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "matchIds is required",
		})
		return
	}

	accepted, err := h.queue().BatchAccept(ctx, userID, req.MatchIDs, req.MinScore)
	if accepted == nil {
		accepted = []*domain.Match{}
	}

	resp := map[string]any{
		"accepted": accepted,
		"count":    len(accepted),
	}
	if err != nil {
		// Partial failure: the accepted ones stand, the rest report.
		resp["errors"] = err.Error()
		writeJSON(w, http.StatusMultiStatus, resp)
		return
	}

	h.invalidateBalance(r, userID)
	writeJSON(w, http.StatusOK, resp)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txnID := chi.URLParam(r, "id")

	txn, err := h.repo.GetTransaction(ctx, userID, txnID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "txn_id", txnID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, txn)
}

// CreateEntryFromTransaction handles POST /transactions/{id}/create-entry:
// drafting a categorized ledger entry for an unmatched transaction so the
// next run can match it.
func (h *Handler) CreateEntryFromTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)
	txnID := chi.URLParam(r, "id")

	entry, err := h.queue().CreateEntryFromUnmatched(ctx, userID, txnID)
	if err != nil {
		h.writeReviewError(w, txnID, err)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ProcessingBalance handles GET /transfers/processing-balance. The
// balance is cached briefly; accept/run invalidate it.
func (h *Handler) ProcessingBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, userID, "processing-balance"); err == nil && cached != nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"balance": string(cached),
			})
			return
		}
	}

	balance, err := h.repo.ProcessingBalance(ctx, userID)
	if err != nil {
		slog.Error("failed to compute processing balance", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute processing balance",
		})
		return
	}

	value := balance.StringFixed(2)
	if h.cache != nil {
		_ = h.cache.Set(ctx, userID, "processing-balance", []byte(value), processingBalanceTTL)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"balance": value,
	})
}

// UnpairedTransfers handles GET /transfers/unpaired.
func (h *Handler) UnpairedTransfers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	legs, err := matching.UnpairedLegs(ctx, h.repo, userID)
	if err != nil {
		slog.Error("failed to list unpaired transfers", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list unpaired transfers",
		})
		return
	}

	if legs == nil {
		legs = []domain.UnpairedTransfer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unpaired": legs,
		"count":    len(legs),
	})
}

// ReloadConfig handles POST /config/reload: re-reads the config source
// and swaps the matching config and transfer detector in place.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "config reload not available",
		})
		return
	}

	cfg, err := h.reload()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "config reload failed: " + err.Error(),
		})
		return
	}

	detector, err := matching.BuildDetector(cfg.Matching)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "invalid transfer rules: " + err.Error(),
		})
		return
	}

	h.mu.Lock()
	h.cfg = cfg.Matching
	h.detector = detector
	h.mu.Unlock()

	slog.Info("config reloaded",
		"auto_accept", cfg.Matching.AutoAcceptThreshold,
		"pending_review", cfg.Matching.PendingReviewThreshold,
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "config reloaded",
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeReviewError maps review queue errors to HTTP statuses.
func (h *Handler) writeReviewError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, review.ErrNotOwned):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found",
		})
	case errors.Is(err, review.ErrAmountMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": review.ErrAmountMismatch.Error(),
		})
	case errors.Is(err, review.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": review.ErrInvalidTransition.Error(),
		})
	default:
		slog.Error("review operation failed", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

// invalidateBalance drops the cached processing balance after anything
// that can move it.
func (h *Handler) invalidateBalance(r *http.Request, userID string) {
	if h.cache == nil {
		return
	}
	_ = h.cache.Delete(r.Context(), userID, "processing-balance")
}

// countRun bumps the user's rolling daily run counter. Counting is
// best-effort and never fails the request.
func (h *Handler) countRun(ctx context.Context, userID string) {
	if h.cache == nil {
		return
	}
	if _, err := h.cache.IncrementCounter(ctx, userID, runCounterKey, runCounterWindow); err != nil {
		slog.Debug("failed to count run", "user_id", userID, "error", err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
