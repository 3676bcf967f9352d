package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/progress"
)

// PrometheusSink derives job-level metrics from run events: how many jobs
// each submission kind produced, how they ended, how many images they
// carried, and how often runs had to ride out a dropped channel.
type PrometheusSink struct {
	jobs       *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
	jobItems   *prometheus.HistogramVec
	itemStatus *prometheus.CounterVec
	reconnects *prometheus.CounterVec

	mu   sync.Mutex
	runs map[[16]byte]convert.JobKind
}

// NewPrometheusSink registers the job collectors on reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdimg_jobs_total",
			Help: "Conversion jobs by submission kind and lifecycle event (submitted, succeeded, failed).",
		}, []string{"kind", "event"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdimg_jobs_in_flight",
			Help: "Jobs submitted but not yet finished.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdimg_job_duration_seconds",
			Help:    "Submit-to-finish time of conversion jobs.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
		}, []string{"kind", "status"}),
		jobItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdimg_job_images",
			Help:    "Images per finished job, as reported by the last progress frame.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"kind"}),
		itemStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdimg_image_results_total",
			Help: "Per-image results streamed over the progress channel.",
		}, []string{"status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdimg_job_channel_transitions_total",
			Help: "Progress channel transitions observed while a job was in flight.",
		}, []string{"to"}),
		runs: make(map[[16]byte]convert.JobKind),
	}
	for _, c := range []prometheus.Collector{s.jobs, s.inFlight, s.duration, s.jobItems, s.itemStatus, s.reconnects} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register job metrics: %w", err)
		}
	}
	return s, nil
}

// Consume folds batch into the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobSubmitted:
			if _, seen := s.runs[evt.RunID]; seen {
				continue
			}
			s.runs[evt.RunID] = evt.Kind
			s.jobs.WithLabelValues(string(evt.Kind), "submitted").Inc()
			s.inFlight.WithLabelValues(string(evt.Kind)).Inc()
		case progress.StageItemResult:
			s.itemStatus.WithLabelValues(string(evt.ItemStatus)).Inc()
		case progress.StageChannelState:
			if _, running := s.runs[evt.RunID]; running {
				s.reconnects.WithLabelValues(evt.State).Inc()
			}
		case progress.StageJobDone:
			s.finish(evt, "succeeded", convert.JobStatusSucceeded)
		case progress.StageJobError:
			s.finish(evt, "failed", convert.JobStatusFailed)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, event string, status convert.JobStatus) {
	kind := evt.Kind
	if k, ok := s.runs[evt.RunID]; ok {
		delete(s.runs, evt.RunID)
		s.inFlight.WithLabelValues(string(k)).Dec()
		if kind == "" {
			kind = k
		}
	}
	if kind == "" {
		kind = "unknown"
	}
	s.jobs.WithLabelValues(string(kind), event).Inc()
	if evt.Dur > 0 {
		s.duration.WithLabelValues(string(kind), string(status)).Observe(evt.Dur.Seconds())
	}
	if evt.Total > 0 {
		s.jobItems.WithLabelValues(string(kind)).Observe(float64(evt.Total))
	}
}

// Close is a no-op; the collectors live as long as the registry.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
