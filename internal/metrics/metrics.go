// Package metrics registers the process-local Prometheus collectors the VM
// Engine instruments itself with. Exposition (the /metrics HTTP endpoint) is
// the excluded HTTP frontend's job — this package only owns the collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	VMsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "noid_vms_running",
		Help: "Number of VM records currently in the Running state",
	})

	NetIndexesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "noid_net_indexes_used",
		Help: "Number of net indexes currently allocated",
	})

	CreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_create_duration_seconds",
			Help:    "Time to create a VM end to end",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	ExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_exec_duration_seconds",
			Help:    "Time to run a command over the serial channel",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
		[]string{"outcome"},
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noid_checkpoint_duration_seconds",
			Help:    "Time to pause, snapshot, and resume a VM",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	NetdUnavailableTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "noid_netd_unavailable_total",
		Help: "Number of times create proceeded without networking because netd was unreachable",
	})

	OrphansReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noid_orphans_reconciled_total",
			Help: "Number of orphaned resources reconciled at startup",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		VMsRunning,
		NetIndexesUsed,
		CreateDuration,
		ExecDuration,
		CheckpointDuration,
		NetdUnavailableTotal,
		OrphansReconciledTotal,
	)
}
