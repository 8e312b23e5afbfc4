package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harvestlab/qacrawl/internal/progress"
)

// PrometheusSink exports progress-stream metrics. It owns its collectors and
// registers them against the registry it is given.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	pageItems    prometheus.Counter
	taskRuntime  *prometheus.HistogramVec
	tasksRunning prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qacrawl_progress_events_total",
			Help: "Progress events partitioned by kind and stage.",
		}, []string{"kind", "stage"}),
		pageItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qacrawl_progress_page_items_total",
			Help: "Items reported by page progress events.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qacrawl_progress_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qacrawl_progress_tasks_running",
			Help: "Tasks currently between start and done events.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.pageItems,
		s.taskRuntime,
		s.tasksRunning,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind), evt.Stage).Inc()
		switch evt.Kind {
		case progress.KindTaskStart:
			s.tasksRunning.Inc()
		case progress.KindTaskDone:
			s.tasksRunning.Dec()
			s.observeRuntime(evt, "success")
		case progress.KindTaskError:
			s.tasksRunning.Dec()
			s.observeRuntime(evt, "error")
		case progress.KindPage:
			s.pageItems.Add(float64(evt.Items))
		}
	}
	return nil
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
