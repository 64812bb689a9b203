package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the subset of [pgxpool.Stat] exported on /metrics.
type PoolStats interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
	MaxConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
	CanceledAcquireCount() int64
	AcquireDuration() time.Duration
}

type poolCollector struct {
	stats func() PoolStats

	connections     *prometheus.Desc
	maxConnections  *prometheus.Desc
	acquires        *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	canceledAcquire *prometheus.Desc
	acquireSeconds  *prometheus.Desc
}

// RegisterPoolMetrics reports live pgxpool statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	RegisterPoolStats(reg, func() PoolStats { return pool.Stat() })
}

// RegisterPoolStats registers a collector that calls stats on every scrape.
func RegisterPoolStats(reg prometheus.Registerer, stats func() PoolStats) {
	reg.MustRegister(&poolCollector{
		stats: stats,
		connections: prometheus.NewDesc(
			"rollout_db_pool_connections",
			"Database connections in the pool by state.",
			[]string{"state"}, nil,
		),
		maxConnections: prometheus.NewDesc(
			"rollout_db_pool_max_connections",
			"Maximum number of database connections allowed in the pool.",
			nil, nil,
		),
		acquires: prometheus.NewDesc(
			"rollout_db_pool_acquires_total",
			"Successful connection acquires from the pool.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"rollout_db_pool_empty_acquires_total",
			"Acquires that had to wait because the pool was empty.",
			nil, nil,
		),
		canceledAcquire: prometheus.NewDesc(
			"rollout_db_pool_canceled_acquires_total",
			"Acquires abandoned because their context was cancelled.",
			nil, nil,
		),
		acquireSeconds: prometheus.NewDesc(
			"rollout_db_pool_acquire_seconds_total",
			"Total time spent acquiring connections.",
			nil, nil,
		),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.maxConnections
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceledAcquire
	ch <- c.acquireSeconds
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.stats()

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.AcquiredConns()), "acquired")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.IdleConns()), "idle")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stat.TotalConns()), "total")
	ch <- prometheus.MustNewConstMetric(c.maxConnections, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquire, prometheus.CounterValue, float64(stat.CanceledAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireSeconds, prometheus.CounterValue, stat.AcquireDuration().Seconds())
}
