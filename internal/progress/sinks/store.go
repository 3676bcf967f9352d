package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/progress"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

// StoreSink persists job history via a store.HistoryRepository. Progress
// frames and item results are collapsed per run so a batch costs at most one
// update per job.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume records starts and completions, folding progress in between. It
// respects ctx deadlines and returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*store.ProgressDelta)
	order := make([]uuid.UUID, 0, 1)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageJobSubmitted:
			if err := s.repo.RecordStart(ctx, store.JobRun{
				ID:        runID,
				TaskID:    evt.TaskID,
				ClientID:  evt.ClientID,
				Kind:      evt.Kind,
				Source:    evt.Source,
				StartedAt: evt.TS,
				Status:    convert.JobStatusRunning,
			}); err != nil {
				return fmt.Errorf("record job start: %w", err)
			}
		case progress.StageJobProgress, progress.StageItemResult:
			delta := deltas[runID]
			if delta == nil {
				delta = &store.ProgressDelta{}
				deltas[runID] = delta
				order = append(order, runID)
			}
			foldDelta(delta, evt)
		case progress.StageJobDone, progress.StageJobError:
			if err := s.flushDelta(ctx, runID, deltas); err != nil {
				return err
			}
			if err := s.repo.Complete(ctx, runID, completionFor(evt)); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					s.logger.Debug("completion for unrecorded run", zap.String("run_id", runID.String()))
					continue
				}
				return fmt.Errorf("complete job: %w", err)
			}
		}
	}

	for _, runID := range order {
		if err := s.flushDelta(ctx, runID, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushDelta(ctx context.Context, runID uuid.UUID, deltas map[uuid.UUID]*store.ProgressDelta) error {
	delta := deltas[runID]
	if delta == nil {
		return nil
	}
	delete(deltas, runID)
	if !delta.HasProgress && delta.Items == (convert.JobCounters{}) {
		return nil
	}
	if err := s.repo.UpdateProgress(ctx, runID, *delta); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("progress for unrecorded run", zap.String("run_id", runID.String()))
			return nil
		}
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func foldDelta(delta *store.ProgressDelta, evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobProgress:
		delta.Current, delta.Total, delta.HasProgress = evt.Current, evt.Total, true
	case progress.StageItemResult:
		delta.Items.Add(convert.ItemResult{Status: evt.ItemStatus})
	}
	if evt.TS.After(delta.At) || delta.At.IsZero() {
		delta.At = evt.TS
	}
}

func completionFor(evt progress.Event) store.Completion {
	c := store.Completion{
		FinishedAt:  evt.TS,
		Status:      convert.JobStatusSucceeded,
		Counters:    evt.Counters,
		DownloadURL: evt.DownloadURL,
		ArtifactURI: evt.ArtifactURI,
	}
	if evt.Stage == progress.StageJobError {
		c.Status = convert.JobStatusFailed
		if evt.Note != "" {
			note := evt.Note
			c.ErrorMessage = &note
		}
	}
	return c
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
