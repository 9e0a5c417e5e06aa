package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "sessions_created_total",
		Help:      "Payment sessions initialized.",
	})

	checksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "checks_total",
		Help:      "Reconciliation passes that completed a balance read.",
	})

	gasFundingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "gas_funding_total",
		Help:      "Gas funding transfers accepted by the ledger.",
	})

	sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "sweeps_total",
		Help:      "Token sweeps confirmed to the treasury.",
	})

	sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "sweep_failures_total",
		Help:      "Sweep attempts that exhausted all retries.",
	})

	gasRecoveredSun = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tronpay",
		Subsystem: "payment",
		Name:      "gas_recovered_sun_total",
		Help:      "Native gas recovered to the fee wallet, in SUN.",
	})
)

func init() {
	prometheus.MustRegister(sessionsCreated, checksTotal, gasFundingTotal,
		sweepsTotal, sweepFailures, gasRecoveredSun)
}
