package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/mdimg-client/internal/progress"
)

// LogSink writes run events to zap. Per-frame chatter (progress and channel
// transitions) goes to debug; job milestones to info; failures to warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("runs")}
}

var stageLog = map[progress.Stage]struct {
	level zapcore.Level
	msg   string
}{
	progress.StageJobSubmitted: {zapcore.InfoLevel, "job submitted"},
	progress.StageJobProgress:  {zapcore.DebugLevel, "job progress"},
	progress.StageItemResult:   {zapcore.DebugLevel, "image result"},
	progress.StageChannelState: {zapcore.DebugLevel, "channel state"},
	progress.StageJobDone:      {zapcore.InfoLevel, "job done"},
	progress.StageJobError:     {zapcore.WarnLevel, "job failed"},
}

// Consume logs each event with the fields relevant to its stage.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		spec, ok := stageLog[evt.Stage]
		if !ok {
			continue
		}
		ce := s.logger.Check(spec.level, spec.msg)
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.Stringer("run_id", evt.RunUUID()))
	if evt.TaskID != "" {
		fields = append(fields, zap.String("task_id", evt.TaskID))
	}
	switch evt.Stage {
	case progress.StageJobSubmitted:
		fields = append(fields, zap.String("kind", string(evt.Kind)), zap.String("source", evt.Source))
	case progress.StageJobProgress:
		fields = append(fields, zap.Int("current", evt.Current), zap.Int("total", evt.Total))
	case progress.StageItemResult:
		fields = append(fields, zap.String("filename", evt.Filename), zap.String("status", string(evt.ItemStatus)))
	case progress.StageChannelState:
		fields = append(fields, zap.String("state", evt.State), zap.Int("retry", evt.RetryCount))
	case progress.StageJobDone, progress.StageJobError:
		fields = append(fields,
			zap.Int("items_succeeded", evt.Counters.ItemsSucceeded),
			zap.Int("items_failed", evt.Counters.ItemsFailed),
			zap.Duration("elapsed", evt.Dur),
		)
		if evt.DownloadURL != "" {
			fields = append(fields, zap.String("download_url", evt.DownloadURL))
		}
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
