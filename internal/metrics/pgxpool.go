package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes connection pool statistics as Prometheus
// gauges labelled with the pool name.
func RegisterPgxPoolMetrics(reg prometheus.Registerer, name string, pool *pgxpool.Pool) {
	labels := prometheus.Labels{"pool": name}
	gauge := func(metric, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 {
			return fn(pool.Stat())
		})
	}

	reg.MustRegister(
		gauge("pgxpool_acquired_conns", "Number of currently acquired connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("pgxpool_max_conns", "Maximum number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		gauge("pgxpool_total_conns", "Total number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("pgxpool_idle_conns", "Number of idle connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		// Listeners hold connections for long periods; waiting acquires show
		// the pool is too small for them.
		gauge("pgxpool_empty_acquire_total", "Acquires that had to wait for a connection",
			func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
	)
}
