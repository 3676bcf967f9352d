package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/mdimg-client/internal/channel"
	"github.com/JakeFAU/mdimg-client/internal/convert"
)

// Recorder turns one run's channel notifications into Events. It implements
// channel.Observer; register it for the lifetime of a single job. Events
// observed before Submitted are held back and emitted right after the
// JOB_SUBMITTED event, so sinks always see a run start before its progress.
type Recorder struct {
	emitter  Emitter
	runID    [16]byte
	clientID string
	now      func() time.Time

	mu       sync.Mutex
	taskID   string
	kind     convert.JobKind
	source   string
	started  time.Time
	counters convert.JobCounters
	current  int
	total    int
	finished bool

	submitted bool
	pending   []Event
}

var _ channel.Observer = (*Recorder)(nil)

// NewRecorder builds a Recorder for runID. now defaults to time.Now in UTC.
func NewRecorder(emitter Emitter, runID uuid.UUID, clientID string, now func() time.Time) *Recorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{
		emitter:  emitter,
		runID:    UUIDToBytes(runID),
		clientID: clientID,
		now:      now,
	}
}

// RunID returns the run identifier.
func (r *Recorder) RunID() uuid.UUID {
	return uuid.UUID(r.runID)
}

// Begin notes what is about to be submitted. A run that fails before the
// backend accepts it still emits JOB_SUBMITTED, without a task id, ahead of
// its JOB_ERROR.
func (r *Recorder) Begin(kind convert.JobKind, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kind, r.source = kind, source
	r.started = r.now()
}

// Submitted records the accepted submission.
func (r *Recorder) Submitted(h convert.Handle) {
	r.mu.Lock()
	r.taskID = h.ID
	if h.Kind != "" {
		r.kind = h.Kind
	}
	if h.Source != "" {
		r.source = h.Source
	}
	if !h.SubmittedAt.IsZero() {
		r.started = h.SubmittedAt
	} else if r.started.IsZero() {
		r.started = r.now()
	}
	kind, source := r.kind, r.source
	r.mu.Unlock()
	r.emit(Event{Stage: StageJobSubmitted, Kind: kind, Source: source})
}

// OnProgress implements channel.Observer.
func (r *Recorder) OnProgress(evt channel.ProgressEvent) {
	r.mu.Lock()
	r.current, r.total = evt.Current, evt.Total
	r.mu.Unlock()
	r.emit(Event{Stage: StageJobProgress, Current: evt.Current, Total: evt.Total})
}

// OnResult implements channel.Observer.
func (r *Recorder) OnResult(evt channel.ResultEvent) {
	r.mu.Lock()
	r.counters.Add(evt.Result)
	r.mu.Unlock()
	r.emit(Event{
		Stage:      StageItemResult,
		Filename:   evt.Result.Filename,
		ItemStatus: evt.Result.Status,
		Note:       evt.Result.Error,
	})
}

// OnStateChange implements channel.Observer.
func (r *Recorder) OnStateChange(change channel.StateChange) {
	evt := Event{Stage: StageChannelState, State: change.To.String(), RetryCount: change.RetryCount}
	if change.Err != nil {
		evt.Note = change.Err.Error()
	}
	r.emit(evt)
}

// Counters returns the item outcomes seen so far.
func (r *Recorder) Counters() convert.JobCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Reported adopts counters from the submit response when no per-item result
// frames were observed.
func (r *Recorder) Reported(c convert.JobCounters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == (convert.JobCounters{}) {
		r.counters = c
	}
}

// Done records successful completion. Only the first terminal call emits.
func (r *Recorder) Done(downloadURL, artifactURI string) {
	evt, ok := r.finish(StageJobDone)
	if !ok {
		return
	}
	evt.DownloadURL = downloadURL
	evt.ArtifactURI = artifactURI
	r.emit(evt)
}

// Fail records a failed run. Only the first terminal call emits.
func (r *Recorder) Fail(err error) {
	evt, ok := r.finish(StageJobError)
	if !ok {
		return
	}
	if err != nil {
		evt.Note = err.Error()
	}
	r.emit(evt)
}

func (r *Recorder) finish(stage Stage) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return Event{}, false
	}
	r.finished = true
	evt := Event{
		Stage:    stage,
		Kind:     r.kind,
		Source:   r.source,
		Counters: r.counters,
		Current:  r.current,
		Total:    r.total,
	}
	if !r.started.IsZero() {
		if d := r.now().Sub(r.started); d > 0 {
			evt.Dur = d
		}
	}
	return evt, true
}

func (r *Recorder) emit(evt Event) {
	if r == nil || r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.ClientID = r.clientID
	evt.TS = r.now()

	r.mu.Lock()
	var out []Event
	switch {
	case evt.Stage == StageJobSubmitted:
		r.submitted = true
		out = append([]Event{evt}, r.pending...)
		r.pending = nil
	case !r.submitted && evt.Stage != StageJobDone && evt.Stage != StageJobError:
		r.pending = append(r.pending, evt)
	default:
		if !r.submitted && r.kind != "" {
			r.submitted = true
			out = append(out, Event{
				Stage:    StageJobSubmitted,
				RunID:    r.runID,
				ClientID: r.clientID,
				TS:       r.started,
				Kind:     r.kind,
				Source:   r.source,
			})
		}
		out = append(out, r.pending...)
		out = append(out, evt)
		r.pending = nil
	}
	for i := range out {
		out[i].TaskID = r.taskID
	}
	r.mu.Unlock()

	for _, e := range out {
		r.emitter.Emit(e)
	}
}
