package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hitsDesc      = prometheus.NewDesc("cache_hits_total", "The total number of cache hits.", nil, nil)
	missesDesc    = prometheus.NewDesc("cache_misses_total", "The total number of cache misses.", nil, nil)
	evictionsDesc = prometheus.NewDesc("cache_evictions_total", "The total number of entries evicted by the size bound.", nil, nil)
	expiredDesc   = prometheus.NewDesc("cache_expired_total", "The total number of expired entries removed.", nil, nil)
	sizeDesc      = prometheus.NewDesc("cache_size", "Current number of cached entries.", nil, nil)
)

var _ prometheus.Collector = (*Cache)(nil)

func (c *Cache) Describe(ch chan<- *prometheus.Desc) {
	ch <- hitsDesc
	ch <- missesDesc
	ch <- evictionsDesc
	ch <- expiredDesc
	ch <- sizeDesc
}

func (c *Cache) Collect(ch chan<- prometheus.Metric) {
	s := c.Stats()
	ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(evictionsDesc, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(expiredDesc, prometheus.CounterValue, float64(s.Expired))
	ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(s.Size))
}
