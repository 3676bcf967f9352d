package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errFakeDial = errors.New("connection refused")

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push delivers an inbound frame.
func (c *fakeConn) Push(frame string) {
	c.inbound <- []byte(frame)
}

// Drop simulates the server closing the connection.
func (c *fakeConn) Drop() {
	_ = c.Close()
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

// fakeDialer fails the first `failures` dials (or all of them when failAll
// is set) and hands out fresh fakeConns otherwise.
type fakeDialer struct {
	mu        sync.Mutex
	failures  int
	failAll   bool
	dials     int
	endpoints []string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.endpoints = append(d.endpoints, endpoint)
	if d.failAll || d.failures > 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errFakeDial
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) SetFailAll(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// manualScheduler records timers and fires them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *manualScheduler) Timer(i int) *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[i]
}

// Fire runs the i-th timer unless it was stopped.
func (s *manualScheduler) Fire(i int) {
	t := s.Timer(i)
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.fn()
}

// recorder captures observer callbacks in order.
type recorder struct {
	mu       sync.Mutex
	progress []ProgressEvent
	results  []ResultEvent
	states   []StateChange
}

func (r *recorder) OnProgress(evt ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, evt)
}

func (r *recorder) OnResult(evt ResultEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, evt)
}

func (r *recorder) OnStateChange(change StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, change)
}

func (r *recorder) Progress() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.progress...)
}

func (r *recorder) Results() []ResultEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResultEvent(nil), r.results...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.To)
	}
	return out
}
