package coremain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// statsCollector exports Registry.Stats as gauges.
type statsCollector struct {
	r *Registry

	items *prometheus.Desc
	bytes *prometheus.Desc
	local *prometheus.Desc
}

func newStatsCollector(r *Registry) *statsCollector {
	return &statsCollector{
		r:     r,
		items: prometheus.NewDesc("namespace_items", "Records stored in the namespace", []string{"namespace"}, nil),
		bytes: prometheus.NewDesc("namespace_bytes_estimate", "Serialized size of the namespace records", []string{"namespace"}, nil),
		local: prometheus.NewDesc("namespace_local_items", "Entries held in the in-memory tier", []string{"namespace"}, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.bytes
	ch <- c.local
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.r.Stats() {
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(st.ItemCount), name)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(st.TotalBytesEstimate), name)
		ch <- prometheus.MustNewConstMetric(c.local, prometheus.GaugeValue, float64(st.LocalItemCount), name)
	}
}
