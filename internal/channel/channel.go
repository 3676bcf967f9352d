package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

var (
	// ErrNotOpen is returned by Send when no connection is open. The payload
	// is dropped and never reaches the transport.
	ErrNotOpen = errors.New("progress channel is not open")
	// ErrAlreadyConnected is returned by Connect once a session has started.
	ErrAlreadyConnected = errors.New("progress channel already started")
	// ErrExhausted is returned by Connect after reconnects were exhausted.
	ErrExhausted = errors.New("progress channel exhausted its reconnect attempts")
	// ErrChannelClosed is returned by every operation after Close.
	ErrChannelClosed = errors.New("progress channel closed")
	// ErrJobInFlight is returned by Bind while another job is still running.
	ErrJobInFlight = errors.New("another job is still in flight")
)

const (
	defaultDialTimeout = 10 * time.Second
	eventBuffer        = 64
	// maxEarlyFrames bounds tagged frames held while no job is bound.
	maxEarlyFrames = 32
)

// Config wires a Channel's collaborators.
type Config struct {
	// BaseURL is the backend's http(s) base URL; the WebSocket endpoint is
	// derived from it.
	BaseURL string
	// ClientID overrides the generated session identifier.
	ClientID string
	// IDGenerator produces the client id when ClientID is empty.
	IDGenerator convert.IDGenerator
	Backoff     Backoff
	DialTimeout time.Duration
	// Dialer defaults to a gorilla/websocket dialer.
	Dialer Dialer
	// Scheduler defaults to SystemScheduler.
	Scheduler Scheduler
	Metrics   *Metrics
	Logger    *zap.Logger
}

type eventKind int

const (
	evConnect eventKind = iota
	evDialed
	evFrame
	evDropped
	evRetry
	evReplay
)

type event struct {
	kind   eventKind
	gen    uint64
	conn   Conn
	data   []byte
	err    error
	change StateChange
	frames []frame
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// Channel is a reconnecting progress connection for one client session.
// All state transitions and observer callbacks happen on a single dispatch
// goroutine, so observers see events in the order the transport delivered
// them.
type Channel struct {
	endpoint    string
	clientID    string
	backoff     Backoff
	dialTimeout time.Duration
	dialer      Dialer
	scheduler   Scheduler
	metrics     *Metrics
	logger      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan event
	loopDone chan struct{}
	workers  sync.WaitGroup

	mu         sync.Mutex
	state      State
	retryCount int
	conn       Conn
	timer      Timer
	gen        uint64
	active     *convert.Handle
	early      []frame
	closed     bool

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObs   uint64
}

// New builds a Channel in the Disconnected state and starts its dispatch
// goroutine. Call Connect to open the first connection and Close to release
// it.
func New(cfg Config) (*Channel, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		var err error
		clientID, err = newClientID(cfg.IDGenerator)
		if err != nil {
			return nil, err
		}
	}
	endpoint, err := Endpoint(cfg.BaseURL, clientID)
	if err != nil {
		return nil, fmt.Errorf("progress endpoint: %w", err)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebSocketDialer(dialTimeout, nil)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = SystemScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		endpoint:    endpoint,
		clientID:    clientID,
		backoff:     cfg.Backoff.withDefaults(),
		dialTimeout: dialTimeout,
		dialer:      dialer,
		scheduler:   scheduler,
		metrics:     cfg.Metrics,
		logger:      logger.Named("channel").With(zap.String("client_id", clientID)),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, eventBuffer),
		loopDone:    make(chan struct{}),
		state:       StateDisconnected,
	}
	c.metrics.setState(StateDisconnected)
	go c.run()
	return c, nil
}

func newClientID(gen convert.IDGenerator) (string, error) {
	if gen == nil {
		return uuid.NewString(), nil
	}
	id, err := gen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return id, nil
}

// ClientID returns the session identifier used in the endpoint path.
func (c *Channel) ClientID() string {
	return c.clientID
}

// EndpointURL returns the WebSocket URL this channel dials.
func (c *Channel) EndpointURL() string {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of reconnects scheduled since the last open.
func (c *Channel) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Session returns a snapshot of the session fields.
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Session{
		ClientID:   c.clientID,
		State:      c.state,
		RetryCount: c.retryCount,
	}
	if c.active != nil {
		s.ActiveJob = c.active.ID
		s.HasJob = true
	}
	return s
}

// Connect starts the first connection attempt. The handshake runs in the
// background; observers learn the outcome through state changes.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	switch c.state {
	case StateDisconnected:
	case StateExhausted:
		c.mu.Unlock()
		return ErrExhausted
	default:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	change := c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	if !c.post(event{kind: evConnect, change: change}) {
		return ErrChannelClosed
	}
	return nil
}

// Send writes payload as one text frame when the channel is Open. In any
// other state the payload is dropped and ErrNotOpen (or ErrChannelClosed) is
// returned without touching the transport.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	closed, state, conn := c.closed, c.state, c.conn
	c.mu.Unlock()

	if closed {
		c.metrics.send("dropped")
		return ErrChannelClosed
	}
	if state != StateOpen || conn == nil {
		c.metrics.send("dropped")
		c.logger.Debug("dropping outbound frame", zap.Stringer("state", state))
		return ErrNotOpen
	}
	if err := conn.WriteMessage(payload); err != nil {
		c.metrics.send("failed")
		return fmt.Errorf("send frame: %w", err)
	}
	c.metrics.send("ok")
	return nil
}

// SendJSON marshals v and sends it with Send.
func (c *Channel) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(data)
}

// Bind makes h the active job. When h has an ID the {"task_id": ...} frame
// is sent now if the channel is open, and again after every reconnect until
// the job turns terminal. Frames tagged with h's ID that arrived before Bind
// are replayed to observers. Terminal handles are ignored.
func (c *Channel) Bind(h convert.Handle) error {
	if h.Terminal {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.active != nil && !c.active.Terminal && c.active.ID != h.ID {
		c.mu.Unlock()
		return ErrJobInFlight
	}
	bound := h
	c.active = &bound
	state := c.state
	held := c.takeEarlyLocked(h.ID)
	c.mu.Unlock()

	if len(held) > 0 {
		c.post(event{kind: evReplay, frames: held})
	}
	if h.ID == "" || state != StateOpen {
		return nil
	}
	payload, err := EncodeBind(h.ID)
	if err != nil {
		return err
	}
	if err := c.Send(payload); err != nil && !errors.Is(err, ErrNotOpen) {
		return err
	}
	return nil
}

// Active returns the currently bound job, if any.
func (c *Channel) Active() (convert.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return convert.Handle{}, false
	}
	return *c.active, true
}

// Release forgets the active job so another one can be bound.
func (c *Channel) Release() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

// Register adds an observer and returns a function that removes it.
func (c *Channel) Register(o Observer) func() {
	if o == nil {
		return func() {}
	}
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers = append(c.observers, observerEntry{id: id, observer: o})
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			defer c.obsMu.Unlock()
			for i, entry := range c.observers {
				if entry.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribe returns a channel carrying every notification as a typed
// message. Delivery blocks the dispatch goroutine until the consumer
// receives, so consumers must keep reading or call the returned cancel
// function, which also closes the channel.
func (c *Channel) Subscribe(buffer int) (<-chan Notification, func()) {
	sub := newSubscription(buffer, c.ctx.Done())
	unregister := c.Register(sub)
	return sub.ch, func() {
		unregister()
		sub.close()
	}
}

// Close tears the session down: any pending reconnect is cancelled, the
// connection is closed, and background goroutines are awaited. It must not
// be called from an observer callback.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.loopDone
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.state != StateExhausted {
		c.state = StateClosed
		c.metrics.setState(StateClosed)
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close transport", zap.Error(err))
		}
	}
	<-c.loopDone
	c.workers.Wait()
	c.logger.Debug("progress channel closed")
	return nil
}

func (c *Channel) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Channel) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Channel) handle(ev event) {
	switch ev.kind {
	case evConnect:
		c.notifyState(ev.change)
		c.startDial()
	case evDialed:
		c.handleDialed(ev)
	case evFrame:
		c.handleFrame(ev)
	case evDropped:
		c.handleDropped(ev)
	case evRetry:
		c.handleRetry(ev)
	case evReplay:
		for _, f := range ev.frames {
			c.deliver(f)
		}
	}
}

func (c *Channel) transitionLocked(to State) StateChange {
	change := StateChange{From: c.state, To: to, RetryCount: c.retryCount}
	c.state = to
	c.metrics.setState(to)
	return change
}

func (c *Channel) startDial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer cancel()
		conn, err := c.dialer.Dial(ctx, c.endpoint)
		if !c.post(event{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Channel) handleDialed(ev event) {
	c.mu.Lock()
	if c.closed || ev.gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil || ev.conn == nil {
		cause := ev.err
		if cause == nil {
			cause = errors.New("dialer returned no connection")
		}
		changes := c.disconnectLocked(cause)
		c.mu.Unlock()
		c.logger.Warn("progress channel connect failed", zap.Error(cause))
		c.notifyStates(changes)
		return
	}
	c.conn = ev.conn
	c.retryCount = 0
	change := c.transitionLocked(StateOpen)
	var bindID string
	if c.active != nil && !c.active.Terminal {
		bindID = c.active.ID
	}
	c.mu.Unlock()

	c.workers.Add(1)
	go c.readLoop(ev.conn, ev.gen)

	c.logger.Info("progress channel open", zap.String("endpoint", c.endpoint))
	if bindID != "" {
		if payload, err := EncodeBind(bindID); err == nil {
			if err := c.Send(payload); err != nil {
				c.logger.Warn("rebind job after open failed", zap.String("job_id", bindID), zap.Error(err))
			}
		}
	}
	c.notifyState(change)
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	defer c.workers.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.post(event{kind: evDropped, gen: gen, conn: conn, err: err})
			return
		}
		if !c.post(event{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

func (c *Channel) handleDropped(ev event) {
	c.mu.Lock()
	if c.closed || ev.gen != c.gen || c.conn != ev.conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	changes := c.disconnectLocked(ev.err)
	c.mu.Unlock()

	_ = ev.conn.Close()
	c.logger.Warn("progress channel dropped", zap.Error(ev.err))
	c.notifyStates(changes)
}

// disconnectLocked moves to Closed and either schedules the next attempt or
// gives up. The delay uses the retry count before it is incremented.
func (c *Channel) disconnectLocked(cause error) []StateChange {
	closed := c.transitionLocked(StateClosed)
	closed.Err = cause
	if !c.backoff.Allow(c.retryCount) {
		exhausted := c.transitionLocked(StateExhausted)
		c.logger.Error("progress channel gave up reconnecting", zap.Int("retries", c.retryCount))
		return []StateChange{closed, exhausted}
	}
	delay := c.backoff.Delay(c.retryCount)
	c.retryCount++
	closed.RetryCount = c.retryCount
	closed.Delay = delay
	gen := c.gen
	c.timer = c.scheduler.AfterFunc(delay, func() {
		c.post(event{kind: evRetry, gen: gen})
	})
	c.logger.Info("progress channel reconnect scheduled",
		zap.Int("attempt", c.retryCount),
		zap.Duration("delay", delay),
	)
	return []StateChange{closed}
}

func (c *Channel) handleRetry(ev event) {
	c.mu.Lock()
	if c.closed || ev.gen != c.gen || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	change := c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	c.metrics.reconnect()
	c.notifyState(change)
	c.startDial()
}

func (c *Channel) handleFrame(ev event) {
	f, err := decodeFrame(ev.data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			c.metrics.frame(f.kind, "unknown")
			c.logger.Debug("ignoring frame with unknown type", zap.String("type", string(f.kind)))
			return
		}
		c.metrics.frame("", "malformed")
		c.logger.Warn("ignoring malformed frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed || ev.gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.active == nil && f.taskID != "" {
		c.holdEarlyLocked(f)
		c.mu.Unlock()
		c.metrics.frame(f.kind, "held")
		c.logger.Debug("holding frame until its job is bound", zap.String("task_id", f.taskID))
		return
	}
	c.mu.Unlock()
	c.deliver(f)
}

// deliver routes a decoded frame to observers when it belongs to the active
// job. It runs on the dispatch goroutine.
func (c *Channel) deliver(f frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	jobID, ok := c.correlateLocked(f.taskID)
	if ok && f.kind == FrameProgress && f.progress.Terminal && c.active != nil {
		c.active.Terminal = true
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.frame(f.kind, "mismatched")
		c.logger.Debug("ignoring frame for another job", zap.String("task_id", f.taskID))
		return
	}
	c.metrics.frame(f.kind, "ok")
	switch f.kind {
	case FrameProgress:
		evt := f.progress
		evt.JobID = jobID
		c.notifyProgress(evt)
	case FrameResult:
		evt := f.result
		evt.JobID = jobID
		c.notifyResult(evt)
	}
}

// holdEarlyLocked keeps a tagged frame that arrived before any job was bound:
// the backend may push progress before the submit response reaches us. The
// oldest frame is evicted once the buffer is full.
func (c *Channel) holdEarlyLocked(f frame) {
	if len(c.early) >= maxEarlyFrames {
		c.early = append(c.early[:0], c.early[1:]...)
	}
	c.early = append(c.early, f)
}

// takeEarlyLocked returns the held frames for jobID, in arrival order, and
// discards the rest. An empty jobID claims every held frame.
func (c *Channel) takeEarlyLocked(jobID string) []frame {
	var out []frame
	for _, f := range c.early {
		if jobID == "" || f.taskID == jobID {
			out = append(out, f)
		}
	}
	c.early = nil
	return out
}

// correlateLocked decides whether a frame tagged with taskID belongs to the
// active job. Untagged frames go to the active job; tagged frames must match
// it. Without an active job only untagged frames are accepted; tagged ones
// are held by handleFrame until Bind.
func (c *Channel) correlateLocked(taskID string) (string, bool) {
	if c.active == nil {
		return "", taskID == ""
	}
	if taskID == "" {
		return c.active.ID, true
	}
	if c.active.ID == "" {
		return taskID, true
	}
	return c.active.ID, taskID == c.active.ID
}

func (c *Channel) snapshotObservers() []Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	out := make([]Observer, 0, len(c.observers))
	for _, entry := range c.observers {
		out = append(out, entry.observer)
	}
	return out
}

func (c *Channel) notifyState(change StateChange) {
	c.logger.Debug("progress channel state",
		zap.Stringer("from", change.From),
		zap.Stringer("to", change.To),
		zap.Int("retry_count", change.RetryCount),
	)
	for _, o := range c.snapshotObservers() {
		o.OnStateChange(change)
	}
}

func (c *Channel) notifyStates(changes []StateChange) {
	for _, change := range changes {
		c.notifyState(change)
	}
}

func (c *Channel) notifyProgress(evt ProgressEvent) {
	for _, o := range c.snapshotObservers() {
		o.OnProgress(evt)
	}
}

func (c *Channel) notifyResult(evt ResultEvent) {
	for _, o := range c.snapshotObservers() {
		o.OnResult(evt)
	}
}
