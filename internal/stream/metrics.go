package stream

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for streams. A nil *Metrics records
// nothing, so components can hold one unconditionally.
type Metrics struct {
	bytesRead   *prometheus.CounterVec
	records     *prometheus.CounterVec
	messages    *prometheus.CounterVec
	reconnects  *prometheus.CounterVec
	backoff     *prometheus.HistogramVec
	state       *prometheus.GaugeVec
	controlReqs *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "bytes_read_total",
			Help:      "Decoded body bytes read from the feed",
		}, []string{"feed"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Records extracted from the feed by outcome",
		}, []string{"feed", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Messages delivered to handlers by kind",
		}, []string{"feed", "kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by failure class",
		}, []string{"feed", "class"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "backoff_seconds",
			Help:      "Delay waited before reconnecting",
			Buckets:   []float64{0.25, 1, 5, 16, 60, 320, 900},
		}, []string{"feed", "class"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tweetstream",
			Subsystem: "stream",
			Name:      "state",
			Help:      "Connection state (0=disconnected, 1=connecting, 2=streaming, 3=backoff, 4=stopped)",
		}, []string{"feed"}),
		controlReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tweetstream",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Control channel requests by operation and result",
		}, []string{"op", "result"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.bytesRead, err = register(reg, m.bytesRead); err != nil {
		return nil, err
	}
	if m.records, err = register(reg, m.records); err != nil {
		return nil, err
	}
	if m.messages, err = register(reg, m.messages); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(reg, m.reconnects); err != nil {
		return nil, err
	}
	if m.backoff, err = register(reg, m.backoff); err != nil {
		return nil, err
	}
	if m.state, err = register(reg, m.state); err != nil {
		return nil, err
	}
	if m.controlReqs, err = register(reg, m.controlReqs); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) addBytes(feed string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.WithLabelValues(feed).Add(float64(n))
}

// ObserveRecord counts one record outcome (delivered, keepalive, decode_error).
func (m *Metrics) ObserveRecord(feed, outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(feed, outcome).Inc()
}

func (m *Metrics) ObserveMessage(feed, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(feed, kind).Inc()
}

func (m *Metrics) ObserveControl(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.controlReqs.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeBackoff(feed string, class Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(feed, class.String()).Inc()
	m.backoff.WithLabelValues(feed, class.String()).Observe(d.Seconds())
}

func (m *Metrics) setState(feed string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(feed).Set(float64(s))
}
