package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txexec_attempts_total",
		Help: "Transaction attempts by terminal disposition.",
	}, []string{"disposition"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txexec_outcomes_total",
		Help: "Executions by protocol outcome.",
	}, []string{"status"})
)
