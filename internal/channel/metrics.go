package channel

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for a Channel. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
	frames     *prometheus.CounterVec
	sends      *prometheus.CounterVec
}

// NewMetrics registers the channel collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdimg_channel_state",
			Help: "1 for the current progress channel state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdimg_channel_reconnects_total",
			Help: "Reconnect attempts started after a closed connection.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdimg_channel_frames_total",
			Help: "Inbound frames partitioned by type and outcome.",
		}, []string{"type", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdimg_channel_sends_total",
			Help: "Outbound send attempts partitioned by outcome.",
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{m.state, m.reconnects, m.frames, m.sends} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register channel collector: %w", err)
		}
	}
	m.setState(StateDisconnected)
	return m, nil
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, candidate := range AllStates() {
		val := 0.0
		if candidate == s {
			val = 1
		}
		m.state.WithLabelValues(candidate.String()).Set(val)
	}
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) frame(kind FrameType, outcome string) {
	if m == nil {
		return
	}
	label := string(kind)
	switch kind {
	case FrameProgress, FrameResult:
	default:
		label = "other"
	}
	m.frames.WithLabelValues(label, outcome).Inc()
}

func (m *Metrics) send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}
