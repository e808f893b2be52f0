package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dbPoolStats) }

var dbPoolStats = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_pool_stats",
		Help: "Current state of the message store connection pool.",
	},
	[]string{"driver", "state"}, // state: 'total', 'idle', 'in_use'
)

func SetDBPoolStats(driver string, total, idle, inUse int32) {
	dbPoolStats.WithLabelValues(norm(driver), "total").Set(float64(total))
	dbPoolStats.WithLabelValues(norm(driver), "idle").Set(float64(idle))
	dbPoolStats.WithLabelValues(norm(driver), "in_use").Set(float64(inUse))
}
