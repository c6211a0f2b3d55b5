package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

const (
	defaultCampaignLimit = 50
	maxCampaignLimit     = 500
	defaultTargetsLimit  = 100
	maxTargetsLimit      = 1000
	progressTimeout      = 3 * time.Second
)

// ProgressHandler exposes read-only campaign progress endpoints.
type ProgressHandler struct {
	repo    store.CampaignRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.CampaignRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListCampaigns handles GET /v1/campaigns?status=&limit=&offset=. It returns
// {"campaigns": [...]}, or 400 for invalid filters, 503 without a repository
// and 500 when the repository call fails.
func (h *ProgressHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultCampaignLimit, maxCampaignLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var status *store.RunStatus
	if statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	runs, err := h.repo.ListCampaigns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list campaigns failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaigns": toCampaignDTOs(runs),
	})
}

// GetCampaign handles GET /v1/campaigns/{campaign_id}. It returns
// {"campaign": {...}}, 400 for malformed IDs and 404 for unknown runs.
func (h *ProgressHandler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	id, err := parseCampaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		}
		h.logger.Error("get campaign failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign": toCampaignDTO(run)})
}

// ListCampaignTargets handles GET /v1/campaigns/{campaign_id}/targets. It
// returns {"targets": [...]} with per-outcome attempt counters.
func (h *ProgressHandler) ListCampaignTargets(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	id, err := parseCampaignID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTargetsLimit, maxTargetsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	targets, err := h.repo.ListCampaignTargets(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list campaign targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list campaign targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": toTargetDTOs(targets),
	})
}

func parseCampaignID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "campaign_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("campaign_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid campaign_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "canceled", "cancelled":
		return store.RunCanceled, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toCampaignDTOs(in []store.CampaignRun) []campaignDTO {
	out := make([]campaignDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toCampaignDTO(run))
	}
	return out
}

func toCampaignDTO(run store.CampaignRun) campaignDTO {
	return campaignDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toTargetDTOs(in []store.TargetStats) []targetDTO {
	out := make([]targetDTO, 0, len(in))
	for _, ts := range in {
		out = append(out, targetDTO{
			Target:      ts.Target,
			LastUpdate:  ts.LastUpdate,
			Attempts:    ts.Attempts,
			BytesTotal:  ts.BytesTotal,
			Successes:   ts.Successes,
			Blocked:     ts.Blocked,
			RateLimited: ts.RateLimited,
			NetErrors:   ts.NetErrors,
			ParseErrors: ts.ParseErrors,
			Challenges:  ts.Challenges,
		})
	}
	return out
}

type campaignDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type targetDTO struct {
	Target      string    `json:"target"`
	LastUpdate  time.Time `json:"last_update"`
	Attempts    int64     `json:"attempts"`
	BytesTotal  int64     `json:"bytes_total"`
	Successes   int64     `json:"successes"`
	Blocked     int64     `json:"blocked"`
	RateLimited int64     `json:"rate_limited"`
	NetErrors   int64     `json:"network_errors"`
	ParseErrors int64     `json:"parse_errors"`
	Challenges  int64     `json:"challenges"`
}
