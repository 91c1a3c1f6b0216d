package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodegraph_cache_lookups_total",
		Help: "Result cache lookups, labelled by outcome (hit, reserved, joined).",
	}, []string{"outcome"})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_cache_evictions_total",
		Help: "Entries evicted to stay within the byte budget.",
	})

	CacheRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_cache_rejected_total",
		Help: "Results larger than the whole budget that were not retained.",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodegraph_cache_bytes",
		Help: "Payload bytes currently held by the result cache.",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodegraph_cache_entries",
		Help: "Completed entries currently held by the result cache.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodegraph_dispatch_queue_depth",
		Help: "Tasks waiting for a kernel session.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodegraph_dispatch_queue_utilization_ratio",
		Help: "Current dispatch queue utilization (0–1).",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodegraph_tasks_total",
		Help: "Dispatched tasks, labelled by node type and outcome.",
	}, []string{"node_type", "outcome"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nodegraph_task_duration_ms",
		Help:    "Kernel execution latency per attempt in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_session_restarts_total",
		Help: "Kernel sessions torn down and replaced after a timeout or crash.",
	})

	TaskTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_task_timeouts_total",
		Help: "Kernel executions that exceeded the task timeout.",
	})

	BackpressureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_backpressure_rejections_total",
		Help: "Submissions rejected because the dispatch queue was full.",
	})

	SessionsAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nodegraph_sessions_alive",
		Help: "Kernel session slots that have not been given up on.",
	})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodegraph_runs_total",
		Help: "Evaluation runs, labelled by final state.",
	}, []string{"state"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nodegraph_run_duration_ms",
		Help:    "Evaluation run latency from submit to settle in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	NodesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nodegraph_nodes_settled_total",
		Help: "Nodes settled by the scheduler, labelled by status.",
	}, []string{"status"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nodegraph_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})
)
