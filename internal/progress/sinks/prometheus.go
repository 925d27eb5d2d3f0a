package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pdp-extractor/internal/progress"
)

// PrometheusSink exports extraction progress metrics via Prometheus. It owns
// all collectors for runs, tasks, renderer sessions and checkpoint flushes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runRuntime    prometheus.Histogram

	tasksStarted   prometheus.Counter
	taskRetries    *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	sessionsRecycled prometheus.Counter
	sessionsDegraded prometheus.Counter

	checkpointFlushes prometheus.Counter
	checkpointResults prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdpx_runs_started_total",
			Help: "Total extraction runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdpx_runs_completed_total",
			Help: "Total runs completed partitioned by result.",
		}, []string{"result"}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdpx_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdpx_tasks_started_total",
			Help: "Tasks handed to a worker.",
		}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdpx_task_retries_total",
			Help: "Failed attempts that were retried, partitioned by site.",
		}, []string{"site"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdpx_tasks_completed_total",
			Help: "Terminal task results partitioned by site and status.",
		}, []string{"site", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pdpx_task_duration_seconds",
			Help:    "Time from first attempt to terminal result.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"status"}),
		sessionsRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdpx_sessions_recycled_total",
			Help: "Renderer sessions torn down and replaced.",
		}),
		sessionsDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdpx_sessions_degraded_total",
			Help: "Renderer slots dropped after replacement failed.",
		}),
		checkpointFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdpx_checkpoint_flushes_total",
			Help: "Successful checkpoint flushes.",
		}),
		checkpointResults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdpx_checkpoint_results",
			Help: "Results persisted by the latest flush.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.tasksStarted,
		s.taskRetries,
		s.tasksCompleted,
		s.taskDuration,
		s.sessionsRecycled,
		s.sessionsDegraded,
		s.checkpointFlushes,
		s.checkpointResults,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone, progress.StageRunError:
		result := "success"
		if evt.Stage == progress.StageRunError {
			result = "error"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
	case progress.StageTaskRetry:
		s.taskRetries.WithLabelValues(siteLabel(evt.Site)).Inc()
	case progress.StageTaskDone:
		s.tasksCompleted.WithLabelValues(siteLabel(evt.Site), evt.Status).Inc()
		if evt.Dur > 0 {
			s.taskDuration.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
		}
	case progress.StageSessionRecycled:
		s.sessionsRecycled.Inc()
	case progress.StageSessionDegraded:
		s.sessionsDegraded.Inc()
	case progress.StageCheckpointFlush:
		s.checkpointFlushes.Inc()
		s.checkpointResults.Set(float64(evt.Count))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown"
	}
	return site
}
