package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/progress"
)

// NotifySink publishes a convert.Completion for every finished run.
type NotifySink struct {
	publisher convert.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink wires a publisher to the sink interface.
func NewNotifySink(publisher convert.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes completions for JOB_DONE and JOB_ERROR events.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StageJobDone && evt.Stage != progress.StageJobError {
			continue
		}
		msg := convert.Completion{
			JobID:       evt.RunUUID().String(),
			TaskID:      evt.TaskID,
			ClientID:    evt.ClientID,
			Kind:        evt.Kind,
			Source:      evt.Source,
			Status:      convert.JobStatusSucceeded,
			DownloadURL: evt.DownloadURL,
			ArtifactURI: evt.ArtifactURI,
			Counters:    evt.Counters,
			FinishedAt:  evt.TS,
		}
		if evt.Stage == progress.StageJobError {
			msg.Status = convert.JobStatusFailed
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish completion: %w", err)
		}
		s.logger.Debug("completion published", zap.String("message_id", id), zap.String("job_id", msg.JobID))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
