package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	historyTimeout  = 3 * time.Second
)

// HistoryHandler serves job history from a store.HistoryRepository.
type HistoryHandler struct {
	repo    store.HistoryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler returns a handler reading from repo.
func NewHistoryHandler(repo store.HistoryRepository, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{repo: repo, timeout: historyTimeout, logger: logger}
}

// jobQuery is the parsed form of /v1/jobs query parameters.
type jobQuery struct {
	status *convert.JobStatus
	limit  int
	offset int
}

func parseJobQuery(q url.Values) (jobQuery, error) {
	jq := jobQuery{limit: defaultJobLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return jobQuery{}, fmt.Errorf("limit must be a positive integer")
		}
		jq.limit = min(n, maxJobLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return jobQuery{}, fmt.Errorf("offset must be a non-negative integer")
		}
		jq.offset = n
	}
	if raw := q.Get("status"); raw != "" {
		st, err := convert.ParseJobStatus(raw)
		if err != nil {
			return jobQuery{}, err
		}
		jq.status = &st
	}
	return jq, nil
}

// jobPage is the /v1/jobs response body. NextOffset is set when the page is
// full and more rows may follow.
type jobPage struct {
	Jobs       []store.JobRun `json:"jobs"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
	NextOffset *int           `json:"next_offset,omitempty"`
}

// ListJobs handles GET /v1/jobs?status=&limit=&offset=.
func (h *HistoryHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	jq, err := parseJobQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	jobs, err := h.repo.ListJobs(ctx, jq.status, jq.limit, jq.offset)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err), zap.Int("limit", jq.limit), zap.Int("offset", jq.offset))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	page := jobPage{Jobs: jobs, Limit: jq.limit, Offset: jq.offset}
	if page.Jobs == nil {
		page.Jobs = []store.JobRun{}
	}
	if len(jobs) == jq.limit {
		next := jq.offset + jq.limit
		page.NextOffset = &next
	}
	writeJSON(w, http.StatusOK, page)
}

// GetJob handles GET /v1/jobs/{run_id}.
func (h *HistoryHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history repository unavailable")
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "run_id must be a UUID")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	job, err := h.repo.GetJob(ctx, runID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		h.logger.Error("get job failed", zap.Error(err), zap.Stringer("run_id", runID))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": job})
	}
}
