// ============================================================================
// geo-sampler Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集執行迴圈與 Job Executor 的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - geo_sampler_jobs_total{status}: 依最終狀態分類的任務數
//      - geo_sampler_attempts_total{status}: 每次嘗試的結果
//      - geo_sampler_location_switches_total{result}: 位置切換 ok/failed
//      - geo_sampler_detections_total: 以 DETECTION 結束的任務數
//      - geo_sampler_resumes_total: 從既有 RunState 恢復的次數
//
//   2. 分佈 (Histogram):
//      - geo_sampler_job_duration_seconds: 單一任務（含重試）耗時
//
//   3. 狀態 (Gauge):
//      - geo_sampler_queue_total / geo_sampler_queue_done: 進度
//      - geo_sampler_run_active: 執行迴圈是否運行中
//
// Prometheus 查詢示例:
//
//   # 偵測比例
//   rate(geo_sampler_detections_total[15m]) / rate(geo_sampler_jobs_total[15m])
//
//   # 剩餘任務
//   geo_sampler_queue_total - geo_sampler_queue_done
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func logger() *slog.Logger { return slog.Default() }

const namespace = "geo_sampler"

// Collector Prometheus 指標收集器
type Collector struct {
	jobs           *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	locationSwitch *prometheus.CounterVec
	detections     prometheus.Counter
	resumes        prometheus.Counter
	jobDuration    prometheus.Histogram
	queueTotal     prometheus.Gauge
	queueDone      prometheus.Gauge
	runActive      prometheus.Gauge
	gatherer       prometheus.Gatherer
}

// NewCollector 建立並註冊指標；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs finished, by final status",
		}, []string{"status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Job attempts, by attempt status",
		}, []string{"status"}),
		locationSwitch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_switches_total",
			Help:      "Location switches sent to the session, by result",
		}, []string{"result"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Jobs that ended on a verification page",
		}),
		resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Run loops started from a persisted run state",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent on one job including retries",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		queueTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_total",
			Help:      "Jobs in the current run",
		}),
		queueDone: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_done",
			Help:      "Jobs processed in the current run",
		}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while the run loop is executing",
		}),
	}

	reg.MustRegister(
		c.jobs, c.attempts, c.locationSwitch, c.detections, c.resumes,
		c.jobDuration, c.queueTotal, c.queueDone, c.runActive,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	// 每個狀態預先建立序列，查詢時不會缺值
	for _, s := range types.AllStatuses() {
		c.jobs.WithLabelValues(string(s))
		c.attempts.WithLabelValues(string(s))
	}
	return c
}

// AttemptFinished 記錄一次嘗試（worker.Observer）
func (c *Collector) AttemptFinished(status types.StatusCode) {
	c.attempts.WithLabelValues(string(status)).Inc()
}

// LocationSwitch 記錄一次位置切換（worker.Observer）
func (c *Collector) LocationSwitch(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.locationSwitch.WithLabelValues(result).Inc()
}

// JobFinished 記錄任務最終結果與耗時
func (c *Collector) JobFinished(status types.StatusCode, d time.Duration) {
	c.jobs.WithLabelValues(string(status)).Inc()
	c.jobDuration.Observe(d.Seconds())
	if status == types.StatusDetection {
		c.detections.Inc()
	}
}

// Progress 更新進度
func (c *Collector) Progress(done, total int) {
	c.queueDone.Set(float64(done))
	c.queueTotal.Set(float64(total))
}

// RunActive 標記執行迴圈是否運行中
func (c *Collector) RunActive(active bool) {
	if active {
		c.runActive.Set(1)
		return
	}
	c.runActive.Set(0)
}

// Resumed 記錄一次恢復
func (c *Collector) Resumed() {
	c.resumes.Inc()
}

// Handler /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 在 port 上提供 /metrics，ctx 取消時關閉
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger().Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
