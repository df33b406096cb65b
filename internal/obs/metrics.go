package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ExclusiveTotal *prometheus.CounterVec // result=success|conflict
	SharedTotal    *prometheus.CounterVec // result=success|conflict
	NextTotal      *prometheus.CounterVec // result=item|done|invalidated

	OpLatencyMS *prometheus.HistogramVec // op=set|remove|clear|iter|next|save|open

	DBBusyTotal   *prometheus.CounterVec // op=load|save
	IteratorsOpen prometheus.Gauge
	ReapedTotal   prometheus.Counter
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests to avoid clashing with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExclusiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refshare_borrow_exclusive_total",
				Help: "Exclusive borrow attempts by result",
			},
			[]string{"result"},
		),
		SharedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refshare_borrow_shared_total",
				Help: "Shared lease attempts by result",
			},
			[]string{"result"},
		),
		NextTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refshare_iter_next_total",
				Help: "Iterator advances by result",
			},
			[]string{"result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refshare_op_latency_ms",
				Help:    "Latency of host operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refshare_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		IteratorsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refshare_iterators_open",
			Help: "Iterator handles currently retained by the host",
		}),
		ReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refshare_iterators_reaped_total",
			Help: "Iterator handles closed by the idle reaper",
		}),
	}

	reg.MustRegister(
		m.ExclusiveTotal,
		m.SharedTotal,
		m.NextTotal,
		m.OpLatencyMS,
		m.DBBusyTotal,
		m.IteratorsOpen,
		m.ReapedTotal,
	)

	return m
}
