package channel

import "sync"

// Observer receives channel notifications. Callbacks run on the channel's
// dispatch goroutine, one at a time, in arrival order; they may call back
// into the Channel but should not block for long.
type Observer interface {
	OnProgress(ProgressEvent)
	OnResult(ResultEvent)
	OnStateChange(StateChange)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Progress func(ProgressEvent)
	Result   func(ResultEvent)
	State    func(StateChange)
}

// OnProgress implements Observer.
func (o ObserverFuncs) OnProgress(evt ProgressEvent) {
	if o.Progress != nil {
		o.Progress(evt)
	}
}

// OnResult implements Observer.
func (o ObserverFuncs) OnResult(evt ResultEvent) {
	if o.Result != nil {
		o.Result(evt)
	}
}

// OnStateChange implements Observer.
func (o ObserverFuncs) OnStateChange(change StateChange) {
	if o.State != nil {
		o.State(change)
	}
}

// NotificationKind tags the populated field of a Notification.
type NotificationKind int

// Notification kinds.
const (
	NotifyProgress NotificationKind = iota + 1
	NotifyResult
	NotifyState
)

// Notification is the message-passing form of an observer callback.
type Notification struct {
	Kind     NotificationKind
	Progress ProgressEvent
	Result   ResultEvent
	State    StateChange
}

// subscription forwards callbacks onto a Go channel. Sends block until the
// consumer receives, unsubscribes, or the owning channel stops.
type subscription struct {
	ch   chan Notification
	done chan struct{}
	stop <-chan struct{}
	mu   sync.RWMutex
	once sync.Once
}

func newSubscription(buffer int, stop <-chan struct{}) *subscription {
	if buffer < 0 {
		buffer = 0
	}
	return &subscription{
		ch:   make(chan Notification, buffer),
		done: make(chan struct{}),
		stop: stop,
	}
}

func (s *subscription) deliver(n Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- n:
	case <-s.done:
	case <-s.stop:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *subscription) OnProgress(evt ProgressEvent) {
	s.deliver(Notification{Kind: NotifyProgress, Progress: evt})
}

func (s *subscription) OnResult(evt ResultEvent) {
	s.deliver(Notification{Kind: NotifyResult, Result: evt})
}

func (s *subscription) OnStateChange(change StateChange) {
	s.deliver(Notification{Kind: NotifyState, State: change})
}
