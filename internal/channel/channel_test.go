package channel

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newTestChannel(t *testing.T, dialer *fakeDialer, sched *manualScheduler) (*Channel, *recorder) {
	t.Helper()
	ch, err := New(Config{
		BaseURL:   "http://localhost:8000",
		ClientID:  "client-1",
		Dialer:    dialer,
		Scheduler: sched,
	})
	require.NoError(t, err)
	rec := &recorder{}
	ch.Register(rec)
	t.Cleanup(func() {
		require.NoError(t, ch.Close())
	})
	return ch, rec
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, waitFor, tick, "want state %s", want)
}

func openChannel(t *testing.T) (*Channel, *recorder, *fakeDialer, *manualScheduler) {
	t.Helper()
	dialer := &fakeDialer{}
	sched := &manualScheduler{}
	ch, rec := newTestChannel(t, dialer, sched)
	require.NoError(t, ch.Connect())
	waitState(t, ch, StateOpen)
	return ch, rec, dialer, sched
}

func TestChannelConnectOpens(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)

	require.Equal(t, "client-1", ch.ClientID())
	require.Equal(t, []string{"ws://localhost:8000/ws/client-1"}, dialer.endpoints)
	require.Eventually(t, func() bool {
		states := rec.States()
		return len(states) == 2 && states[0] == StateConnecting && states[1] == StateOpen
	}, waitFor, tick)
	require.Equal(t, 0, ch.RetryCount())
}

func TestChannelConnectTwiceFails(t *testing.T) {
	t.Parallel()

	ch, _, _, _ := openChannel(t)
	require.ErrorIs(t, ch.Connect(), ErrAlreadyConnected)
}

func TestChannelReconnectBackoffThenExhausted(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAll: true}
	sched := &manualScheduler{}
	ch, rec := newTestChannel(t, dialer, sched)
	require.NoError(t, ch.Connect())

	for n := 0; n < DefaultMaxRetries; n++ {
		require.Eventually(t, func() bool { return sched.Len() == n+1 }, waitFor, tick)
		require.Equal(t, DefaultBaseDelay<<n, sched.Timer(n).delay, "reconnect %d", n)
		require.Equal(t, StateClosed, ch.State())
		require.Equal(t, n+1, ch.RetryCount())
		sched.Fire(n)
	}

	waitState(t, ch, StateExhausted)
	require.Equal(t, DefaultMaxRetries+1, dialer.Dials())
	require.Equal(t, DefaultMaxRetries, sched.Len(), "no reconnect after the last failure")
	require.ErrorIs(t, ch.Connect(), ErrExhausted)

	states := rec.States()
	require.Equal(t, StateExhausted, states[len(states)-1])
	require.Equal(t, StateClosed, states[len(states)-2])
}

func TestChannelOpenResetsRetryCount(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failures: 2}
	sched := &manualScheduler{}
	ch, _ := newTestChannel(t, dialer, sched)
	require.NoError(t, ch.Connect())

	require.Eventually(t, func() bool { return sched.Len() == 1 }, waitFor, tick)
	sched.Fire(0)
	require.Eventually(t, func() bool { return sched.Len() == 2 }, waitFor, tick)
	require.Equal(t, 2, ch.RetryCount())
	sched.Fire(1)

	waitState(t, ch, StateOpen)
	require.Equal(t, 0, ch.RetryCount())

	dialer.Conns()[0].Drop()
	require.Eventually(t, func() bool { return sched.Len() == 3 }, waitFor, tick)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, sched.Delays())
	require.Equal(t, 1, ch.RetryCount())
}

func TestChannelSendRequiresOpen(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sched := &manualScheduler{}
	ch, _ := newTestChannel(t, dialer, sched)

	require.ErrorIs(t, ch.Send([]byte(`{"task_id":"x"}`)), ErrNotOpen)
	require.Empty(t, dialer.Conns())

	require.NoError(t, ch.Connect())
	waitState(t, ch, StateOpen)
	conn := dialer.Conns()[0]

	require.NoError(t, ch.Send([]byte(`{"ping":1}`)))
	require.Equal(t, []string{`{"ping":1}`}, conn.Writes())

	conn.Drop()
	waitState(t, ch, StateClosed)
	require.ErrorIs(t, ch.Send([]byte(`{"ping":2}`)), ErrNotOpen)
	require.Equal(t, []string{`{"ping":1}`}, conn.Writes())
}

func TestChannelDeliversProgressInOrder(t *testing.T) {
	t.Parallel()

	_, rec, dialer, _ := openChannel(t)
	conn := dialer.Conns()[0]

	conn.Push(`{"type":"progress","current":3,"total":10}`)
	conn.Push(`{"type":"progress","current":10,"total":10}`)

	require.Eventually(t, func() bool { return len(rec.Progress()) == 2 }, waitFor, tick)
	got := rec.Progress()
	require.Equal(t, ProgressEvent{Current: 3, Total: 10}, got[0])
	require.Equal(t, ProgressEvent{Current: 10, Total: 10, Terminal: true}, got[1])
}

func TestChannelIgnoresUnknownAndMalformedFrames(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	conn := dialer.Conns()[0]

	conn.Push(`{"type":"heartbeat"}`)
	conn.Push(`not json`)
	conn.Push(`{"type":"progress","current":1}`)
	conn.Push(`{"type":"progress","current":1,"total":2}`)
	conn.Push(`{"type":"result","result":{"filename":"a.png","status":"success"}}`)

	require.Eventually(t, func() bool {
		return len(rec.Progress()) == 1 && len(rec.Results()) == 1
	}, waitFor, tick)
	require.Equal(t, convert.ItemResult{Filename: "a.png", Status: convert.ItemSuccess}, rec.Results()[0].Result)
	require.Equal(t, StateOpen, ch.State())
	require.Equal(t, 0, ch.RetryCount())
}

func TestChannelBindSendsTaskIDAndRebindsAfterReconnect(t *testing.T) {
	t.Parallel()

	ch, _, dialer, sched := openChannel(t)
	first := dialer.Conns()[0]

	require.NoError(t, ch.Bind(convert.Handle{ID: "job-1", Kind: convert.KindFileUpload}))
	require.Equal(t, []string{`{"task_id":"job-1"}`}, first.Writes())

	first.Drop()
	require.Eventually(t, func() bool { return sched.Len() == 1 }, waitFor, tick)
	sched.Fire(0)
	require.Eventually(t, func() bool { return len(dialer.Conns()) == 2 }, waitFor, tick)
	waitState(t, ch, StateOpen)

	second := dialer.Conns()[1]
	require.Eventually(t, func() bool { return len(second.Writes()) == 1 }, waitFor, tick)
	require.Equal(t, `{"task_id":"job-1"}`, second.Writes()[0])
}

func TestChannelBindBeforeOpenFlushesOnOpen(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer, &manualScheduler{})

	require.NoError(t, ch.Bind(convert.Handle{ID: "job-9"}))
	require.NoError(t, ch.Connect())
	waitState(t, ch, StateOpen)
	require.Eventually(t, func() bool {
		conns := dialer.Conns()
		return len(conns) == 1 && len(conns[0].Writes()) == 1
	}, waitFor, tick)
	require.Equal(t, `{"task_id":"job-9"}`, dialer.Conns()[0].Writes()[0])
}

func TestChannelBindWithoutIDSendsNothing(t *testing.T) {
	t.Parallel()

	ch, _, dialer, _ := openChannel(t)
	require.NoError(t, ch.Bind(convert.Handle{Kind: convert.KindURLConvert}))
	require.Empty(t, dialer.Conns()[0].Writes())

	active, ok := ch.Active()
	require.True(t, ok)
	require.Equal(t, convert.KindURLConvert, active.Kind)
}

func TestChannelDropsFramesForOtherJobs(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	require.NoError(t, ch.Bind(convert.Handle{ID: "job-1"}))
	conn := dialer.Conns()[0]

	conn.Push(`{"type":"progress","current":1,"total":4,"task_id":"job-2"}`)
	conn.Push(`{"type":"progress","current":2,"total":4,"task_id":"job-1"}`)
	conn.Push(`{"type":"progress","current":3,"total":4}`)

	require.Eventually(t, func() bool { return len(rec.Progress()) == 2 }, waitFor, tick)
	got := rec.Progress()
	require.Equal(t, "job-1", got[0].JobID)
	require.Equal(t, 2, got[0].Current)
	require.Equal(t, "job-1", got[1].JobID)
	require.Equal(t, 3, got[1].Current)
}

func TestChannelHoldsTaggedFramesUntilBind(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	conn := dialer.Conns()[0]

	// The backend can push before the submit response arrives.
	conn.Push(`{"type":"result","task_id":"job-1","result":{"filename":"a.png","status":"success"}}`)
	conn.Push(`{"type":"progress","current":1,"total":1,"task_id":"job-1"}`)
	conn.Push(`{"type":"progress","current":1,"total":4,"task_id":"stray"}`)
	conn.Push(`{"type":"progress","current":2,"total":4}`)

	require.Eventually(t, func() bool { return len(rec.Progress()) == 1 }, waitFor, tick)
	require.Equal(t, 2, rec.Progress()[0].Current)
	require.Empty(t, rec.Results())

	require.NoError(t, ch.Bind(convert.Handle{ID: "job-1"}))
	require.Eventually(t, func() bool { return len(rec.Progress()) == 2 }, waitFor, tick)

	got := rec.Progress()[1]
	require.Equal(t, "job-1", got.JobID)
	require.True(t, got.Terminal)
	require.Len(t, rec.Results(), 1)
	require.Equal(t, "job-1", rec.Results()[0].JobID)

	active, ok := ch.Active()
	require.True(t, ok)
	require.True(t, active.Terminal)

	// The stray frame was discarded by the bind, so the next job sees nothing.
	ch.Release()
	require.NoError(t, ch.Bind(convert.Handle{ID: "stray"}))
	conn.Push(`{"type":"progress","current":3,"total":4}`)
	require.Eventually(t, func() bool { return len(rec.Progress()) == 3 }, waitFor, tick)
	require.Equal(t, 3, rec.Progress()[2].Current)
}

func TestChannelEarlyFrameBufferIsBounded(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	conn := dialer.Conns()[0]
	go func() {
		for i := 0; i < maxEarlyFrames+8; i++ {
			conn.Push(fmt.Sprintf(`{"type":"progress","current":%d,"total":100,"task_id":"job-1"}`, i))
		}
		conn.Push(`{"type":"progress","current":0,"total":1}`)
	}()
	require.Eventually(t, func() bool { return len(rec.Progress()) == 1 }, waitFor, tick)

	require.NoError(t, ch.Bind(convert.Handle{ID: "job-1"}))
	require.Eventually(t, func() bool { return len(rec.Progress()) == 1+maxEarlyFrames }, waitFor, tick)
	require.Equal(t, 8, rec.Progress()[1].Current, "oldest frames are evicted first")
}

func TestChannelTerminalProgressReleasesJobSlot(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	require.NoError(t, ch.Bind(convert.Handle{ID: "job-1"}))
	require.ErrorIs(t, ch.Bind(convert.Handle{ID: "job-2"}), ErrJobInFlight)

	conn := dialer.Conns()[0]
	conn.Push(`{"type":"progress","current":9,"total":10}`)
	conn.Push(`{"type":"progress","current":10,"total":10}`)
	require.Eventually(t, func() bool { return len(rec.Progress()) == 2 }, waitFor, tick)

	active, ok := ch.Active()
	require.True(t, ok)
	require.True(t, active.Terminal)
	require.NoError(t, ch.Bind(convert.Handle{ID: "job-2"}))

	ch.Release()
	_, ok = ch.Active()
	require.False(t, ok)
}

func TestChannelCloseCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{failAll: true}
	sched := &manualScheduler{}
	ch, err := New(Config{
		BaseURL:   "https://mdimg.example.com",
		ClientID:  "client-2",
		Dialer:    dialer,
		Scheduler: sched,
	})
	require.NoError(t, err)
	require.Equal(t, "wss://mdimg.example.com/ws/client-2", ch.EndpointURL())

	require.NoError(t, ch.Connect())
	require.Eventually(t, func() bool { return sched.Len() == 1 }, waitFor, tick)

	require.NoError(t, ch.Close())
	require.True(t, sched.Timer(0).Stopped())
	sched.Fire(0)
	require.Equal(t, 1, dialer.Dials())

	require.ErrorIs(t, ch.Connect(), ErrChannelClosed)
	require.ErrorIs(t, ch.Send([]byte("x")), ErrChannelClosed)
	require.ErrorIs(t, ch.Bind(convert.Handle{ID: "job"}), ErrChannelClosed)
	require.NoError(t, ch.Close())
}

func TestChannelUnregisterStopsCallbacks(t *testing.T) {
	t.Parallel()

	ch, rec, dialer, _ := openChannel(t)
	other := &recorder{}
	unregister := ch.Register(other)
	conn := dialer.Conns()[0]

	conn.Push(`{"type":"progress","current":1,"total":3}`)
	require.Eventually(t, func() bool { return len(other.Progress()) == 1 }, waitFor, tick)

	unregister()
	unregister()
	conn.Push(`{"type":"progress","current":2,"total":3}`)
	require.Eventually(t, func() bool { return len(rec.Progress()) == 2 }, waitFor, tick)
	require.Len(t, other.Progress(), 1)
}

func TestChannelSubscribeDeliversTypedNotifications(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer, &manualScheduler{})
	notes, cancel := ch.Subscribe(8)

	require.NoError(t, ch.Connect())
	first := <-notes
	require.Equal(t, NotifyState, first.Kind)
	require.Equal(t, StateConnecting, first.State.To)
	second := <-notes
	require.Equal(t, StateOpen, second.State.To)

	dialer.Conns()[0].Push(`{"type":"progress","current":5,"total":5}`)
	third := <-notes
	require.Equal(t, NotifyProgress, third.Kind)
	require.True(t, third.Progress.Terminal)

	cancel()
	for range notes {
	}
}

func TestChannelMetricsTrackStateAndFrames(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	dialer := &fakeDialer{}
	ch, err := New(Config{
		BaseURL:   "http://localhost:8000",
		ClientID:  "metrics",
		Dialer:    dialer,
		Scheduler: &manualScheduler{},
		Metrics:   metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ch.Close()) })

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.state.WithLabelValues("disconnected")))
	require.NoError(t, ch.Connect())
	waitState(t, ch, StateOpen)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.state.WithLabelValues("open")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.state.WithLabelValues("disconnected")))

	rec := &recorder{}
	ch.Register(rec)
	conn := dialer.Conns()[0]
	conn.Push(`{"type":"heartbeat"}`)
	conn.Push(`{"type":"progress","current":1,"total":2}`)
	require.Eventually(t, func() bool { return len(rec.Progress()) == 1 }, waitFor, tick)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.frames.WithLabelValues("other", "unknown")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.frames.WithLabelValues("progress", "ok")))

	require.NoError(t, ch.Send([]byte("{}")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.sends.WithLabelValues("ok")))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "ftp://host", ClientID: "x"})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}
