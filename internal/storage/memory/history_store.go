package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

// HistoryStore provides an in-memory store.HistoryRepository for development
// and tests.
type HistoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.JobRun
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{runs: make(map[uuid.UUID]store.JobRun)}
}

// RecordStart stores a new running job. Repeated starts are ignored.
func (s *HistoryStore) RecordStart(_ context.Context, run store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	if run.Status == "" {
		run.Status = convert.JobStatusRunning
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateProgress folds delta into a stored run.
func (s *HistoryStore) UpdateProgress(_ context.Context, runID uuid.UUID, delta store.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if delta.HasProgress {
		run.Current, run.Total = delta.Current, delta.Total
	}
	run.Counters.ItemsSucceeded += delta.Items.ItemsSucceeded
	run.Counters.ItemsFailed += delta.Items.ItemsFailed
	s.runs[runID] = run
	return nil
}

// Complete marks a run finished.
func (s *HistoryStore) Complete(_ context.Context, runID uuid.UUID, c store.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	finished := c.FinishedAt
	run.FinishedAt = &finished
	run.Status = c.Status
	if c.Counters != (convert.JobCounters{}) {
		run.Counters = c.Counters
	}
	run.DownloadURL = c.DownloadURL
	run.ArtifactURI = c.ArtifactURI
	run.ErrorMessage = c.ErrorMessage
	s.runs[runID] = run
	return nil
}

// GetJob fetches a run by ID.
func (s *HistoryStore) GetJob(_ context.Context, runID uuid.UUID) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListJobs returns runs newest first.
func (s *HistoryStore) ListJobs(
	_ context.Context,
	status *convert.JobStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	s.mu.RLock()
	out := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return []store.JobRun{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
