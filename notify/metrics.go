package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collectors returns the prometheus view of the notifier counters and
// buffer occupancy.
func (n *Notifier) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "exitnotify",
			Name:      "events_received_total",
			Help:      "Exits handed to the encoder since capture started",
		}, func() float64 {
			return float64(n.stats.EventReceived.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "exitnotify",
			Name:      "events_lost_overflow_total",
			Help:      "Frames dropped because the buffer was full",
		}, func() float64 {
			return float64(n.stats.EventLostOverflow.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "exitnotify",
			Name:      "samples_lost_no_context_total",
			Help:      "Exits reported without a memory context",
		}, func() float64 {
			return float64(n.stats.SampleLostNoContext.Load())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "exitnotify",
			Name:      "buffer_used_words",
			Help:      "Words waiting in the event buffer",
		}, func() float64 {
			return float64(n.buf.Used())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "exitnotify",
			Name:      "buffer_capacity_words",
			Help:      "Allocated size of the event buffer",
		}, func() float64 {
			return float64(n.buf.Capacity())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "exitnotify",
			Name:      "cookies",
			Help:      "Path identities interned in the cookie cache",
		}, func() float64 {
			return float64(n.cache.Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "exitnotify",
			Name:      "capture_enabled",
			Help:      "1 while capture runs",
		}, func() float64 {
			if n.started.Load() {
				return 1
			}
			return 0
		}),
	}
}

// NewRegistry returns a registry holding the notifier metrics plus the
// usual process and Go runtime collectors.
func NewRegistry(n *Notifier) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(n.Collectors()...)
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}
