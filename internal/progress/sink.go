package progress

import "context"

// Emitter accepts run events one at a time. Recorder writes to it; Hub is
// the production implementation.
type Emitter interface {
	Emit(evt Event)
}

// Sink receives flushed batches from the Hub. Consume is called from the
// hub goroutine with a per-call deadline in ctx; Close runs once when the hub
// shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

var _ Emitter = (*Hub)(nil)
