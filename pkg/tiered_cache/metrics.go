package tiered_cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hit       *prometheus.CounterVec
	miss      prometheus.Counter
	promote   prometheus.Counter
	evict     prometheus.Counter
	expire    prometheus.Counter
	l2Refused prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of cache hits by tier",
		}, []string{"tier"}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "The total number of reads that returned the default value",
		}),
		promote: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_promote_total",
			Help: "The total number of L2 hits copied into L1",
		}),
		evict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evict_total",
			Help: "The total number of L1 entries dropped because L1 was full",
		}),
		expire: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_expire_total",
			Help: "The total number of expired L1 entries dropped",
		}),
		l2Refused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_l2_write_failed_total",
			Help: "The total number of write-through attempts the L2 store refused",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.hit, m.miss, m.promote, m.evict, m.expire, m.l2Refused} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
