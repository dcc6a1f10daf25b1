package metrics

import (
	"github.com/jaxxstorm/echoprobe/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "echoprobe"

// Recorder counts echo traffic. A nil *Recorder is valid and records nothing.
type Recorder struct {
	sent     *prometheus.CounterVec
	records  *prometheus.CounterVec
	rtt      *prometheus.HistogramVec
	sessions prometheus.Gauge
}

func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_requests_sent_total",
			Help:      "Echo requests written to a socket.",
		}, []string{"family"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_records_total",
			Help:      "Probe records delivered on session completion, by result.",
		}, []string{"family", "result"}),
		rtt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "echo_rtt_seconds",
			Help:      "Round-trip time of answered echo requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"family"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Probe sessions started and not yet closed.",
		}),
	}
	for _, c := range []prometheus.Collector{r.sent, r.records, r.rtt, r.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) EchoSent(family string) {
	if r == nil {
		return
	}
	r.sent.WithLabelValues(family).Inc()
}

func (r *Recorder) Reply(family string, rec model.ProbeRecord) {
	if r == nil || !rec.Succeeded() {
		return
	}
	r.rtt.WithLabelValues(family).Observe(rec.Latency.Seconds())
}

// Completed counts the final result of every record in a finished session.
func (r *Recorder) Completed(family string, records []model.ProbeRecord) {
	if r == nil {
		return
	}
	for _, rec := range records {
		r.records.WithLabelValues(family, rec.Result.String()).Inc()
	}
}

func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessions.Dec()
}
