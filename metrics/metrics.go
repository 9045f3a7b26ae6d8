package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	currentEpochGauge    prometheus.Gauge
	windowSizeGauge      prometheus.Gauge
	queueSizeGauge       prometheus.Gauge
	consumedComputeCount prometheus.Counter
	checkedEpochsCount   prometheus.Counter
	unstakedCount        prometheus.Counter
	failedUnstakesCount  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		currentEpochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_current_epoch", namespace),
			Help: "The latest known authoritative epoch",
		}),
		windowSizeGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_confirmation_window_size", namespace),
			Help: "The latest known confirmation window size",
		}),
		queueSizeGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_queue_size", namespace),
			Help: "The number of accounts waiting to be processed",
		}),
		consumedComputeCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_consumed_compute_total", namespace),
			Help: "The total compute consumed across idle ticks",
		}),
		checkedEpochsCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_checked_epochs_total", namespace),
			Help: "The total number of epochs verified clean",
		}),
		unstakedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_unstaked_total", namespace),
			Help: "The total number of successfully finalized unstake requests",
		}),
		failedUnstakesCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_failed_unstakes_total", namespace),
			Help: "The total number of unstake requests that ended in a failure outcome",
		}),
	}
	return &m
}

func (m *Metrics) SetChainStatus(currentEpoch uint32, windowSize uint32) {
	m.currentEpochGauge.Set(float64(currentEpoch))
	m.windowSizeGauge.Set(float64(windowSize))
}

func (m *Metrics) SetQueueSize(size int) {
	m.queueSizeGauge.Set(float64(size))
}

func (m *Metrics) AddConsumedCompute(units uint64) {
	m.consumedComputeCount.Add(float64(units))
}

func (m *Metrics) AddCheckedEpochs(count int) {
	m.checkedEpochsCount.Add(float64(count))
}

func (m *Metrics) IncUnstaked(success bool) {
	if success {
		m.unstakedCount.Inc()
	} else {
		m.failedUnstakesCount.Inc()
	}
}
