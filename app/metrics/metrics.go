package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task pipeline metrics
var (
	TasksClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_tasks_claimed_total",
			Help: "Total number of tasks claimed by the worker pool",
		},
	)

	TasksFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_tasks_finished_total",
			Help: "Total number of task attempts by outcome (completed, retry, failed, released)",
		},
		[]string{"outcome", "type"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_active_workers",
			Help: "Number of worker slots currently running a task",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage"},
	)

	DiskCheckSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_disk_check_skips_total",
			Help: "Number of poll passes skipped because free disk space was below the low-water mark",
		},
	)
)

// External process metrics
var (
	FFmpegRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_ffmpeg_runs_total",
			Help: "Total number of ffmpeg/ffprobe invocations",
		},
		[]string{"binary", "status"},
	)
)

// Delivery metrics
var (
	UploadedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_uploaded_files_total",
			Help: "Total number of files transferred to the origin",
		},
		[]string{"status"},
	)

	SFTPReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_sftp_reconnects_total",
			Help: "Number of times the SFTP session was (re)established",
		},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_callbacks_total",
			Help: "Completion callbacks by result (created, skipped, error)",
		},
		[]string{"result"},
	)
)
