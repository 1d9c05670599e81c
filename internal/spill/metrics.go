package spill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var spillsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "txexec_spills_total",
	Help: "Buffers that moved from memory to a temporary file",
})
