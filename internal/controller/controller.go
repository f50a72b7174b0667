// ============================================================================
// geo-sampler 控制器 - 執行迴圈與控制介面
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 單一 session、循序執行的 run loop，以及 Start/Stop/Status/Export/Clear
//
// 執行迴圈 (Run):
//   1. 載入 RunState；running=false 時直接結束
//   2. EnsureSession + warm-up
//   3. 重複 Step 直到 Completed / Stopped，每個任務之間固定等待 delaySeconds
//
// 單步 (Step):
//   1. 從 store 重新讀取 RunState（唯一的取消檢查點）
//      stopRequested 或 running=false → Stopped（寫回 running=false, stopRequested=false）
//   2. 執行 queue[idx]，得到 Result
//   3. AppendResult → idx++ → 寫回 RunState
//      idx == len(queue) → Completed
//
// 崩潰恢復:
//   - 任何時候結束行程，重新執行 Run 會從持久化的 idx 繼續
//   - Result 先寫入、idx 後寫入：兩者之間崩潰時，Run 啟動時比對結果數補推 idx，
//     該任務不會重跑
//   - SIGINT（ctx 取消）不改 running，run 保持可恢復
//
// 欄位擁有者:
//   - Run loop 經 UpdateRunState 只寫 idx / sessionHandle / 完成旗標
//   - Stop 經 UpdateRunState 只寫 stopRequested / running
//   兩者互不覆蓋
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/export"
	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/internal/worker"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// logger 每次呼叫時取用目前的預設 logger，setupLogging 之後的設定才會生效
func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRunActive 已有執行中的 run
	ErrRunActive = errors.New("a run is already active")
	// ErrRunNotActive Stop 時 run 已不在執行中
	ErrRunNotActive = errors.New("run is not active")
	// ErrNoSession Step 需要已綁定的 session
	ErrNoSession = errors.New("run state has no session handle")
	// errRunReplaced 迴圈執行期間 RunState 被新的 Start 取代
	errRunReplaced = errors.New("run state was replaced by a newer run")
)

// ============================================================================
// 協作者介面
// ============================================================================

// SessionManager 取得可用的 session（*session.Controller 實作）
type SessionManager interface {
	EnsureSession(ctx context.Context, rs *types.RunState) (types.SessionID, error)
	Warmup(ctx context.Context) error
}

// JobRunner 執行單一任務（*worker.Executor 實作）
type JobRunner interface {
	Execute(ctx context.Context, spec worker.JobSpec, id types.SessionID, job types.Job) types.Result
	ForgetLocation()
}

// Metrics 執行迴圈的指標（*metrics.Collector 實作）
type Metrics interface {
	JobFinished(status types.StatusCode, d time.Duration)
	Progress(done, total int)
	RunActive(active bool)
	Resumed()
}

// Health 回報執行迴圈是否運行中（*server.Health 實作）
type Health interface {
	SetServing(serving bool)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 控制器設定
type Config struct {
	MinDelaySeconds     int // Start 時的最小間隔
	DefaultDelaySeconds int // 未指定間隔時使用
	DefaultMaxRetries   int // 未指定重試次數時使用（負值表示未指定）
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		MinDelaySeconds:     10,
		DefaultDelaySeconds: 25,
		DefaultMaxRetries:   2,
	}
}

// Options 建立 Controller 所需的協作者
type Options struct {
	Store    store.Store
	Session  SessionManager
	Executor JobRunner
	Metrics  Metrics
	Health   Health
	Config   Config
}

// Controller 執行迴圈與控制介面
type Controller struct {
	store   store.Store
	sess    SessionManager
	exec    JobRunner
	metrics Metrics
	health  Health
	config  Config

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	// 上一次使用的 session；改變時清除 Executor 的位置記憶
	lastSession types.SessionID
}

// Outcome Step 的結果
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"  // 完成一個任務，還有剩餘
	OutcomeCompleted Outcome = "completed" // 最後一個任務完成
	OutcomeStopped   Outcome = "stopped"   // 觀察到停止請求
)

// NewController 建立 Controller
//
// Session/Executor 可為 nil，此時只能使用控制介面（Start/Stop/Status/Export/Clear）。
func NewController(opts Options) *Controller {
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Controller{
		store:   opts.Store,
		sess:    opts.Session,
		exec:    opts.Executor,
		metrics: opts.Metrics,
		health:  opts.Health,
		config:  cfg,
		sleep:   session.Wait,
		now:     time.Now,
	}
}

// SetSleep 替換任務間的等待函式（測試用）
func (c *Controller) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// ============================================================================
// 控制介面
// ============================================================================

// Start 建立全新的 RunState 並持久化
//
// 已有執行中的 run 時回傳 ErrRunActive；結果列表不受影響。
func (c *Controller) Start(ctx context.Context, p jobmanager.StartParams) (*types.RunState, error) {
	current, err := c.store.LoadRunState(ctx)
	if err != nil && !errors.Is(err, store.ErrNoRun) {
		return nil, err
	}
	if current != nil && current.Running {
		return nil, fmt.Errorf("%w: run %s at %d/%d", ErrRunActive, current.RunID, current.Idx, len(current.Queue))
	}

	p.DelaySeconds = jobmanager.ClampDelay(p.DelaySeconds, c.config.MinDelaySeconds, c.config.DefaultDelaySeconds)
	if p.MaxRetries < 0 {
		p.MaxRetries = c.config.DefaultMaxRetries
	}

	rs, err := jobmanager.NewRunState(p, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveRunState(ctx, rs); err != nil {
		return nil, err
	}

	logger().Info("Run started",
		"run_id", rs.RunID,
		"jobs", len(rs.Queue),
		"location_switches", jobmanager.CountLocationSwitches(rs.Queue),
		"ordering", rs.Ordering,
		"delay_seconds", rs.DelaySeconds,
		"max_retries", rs.MaxRetries)
	return rs, nil
}

// Stop 送出停止請求；執行迴圈在下一次迭代開始時結束
//
// run 已不在執行中時不寫入，回傳 ErrRunNotActive。
func (c *Controller) Stop(ctx context.Context) (*types.RunState, error) {
	var inactive *types.RunState
	rs, err := c.store.UpdateRunState(ctx, func(rs *types.RunState) error {
		if !rs.Running {
			inactive = rs
			return ErrRunNotActive
		}
		jobmanager.RequestStop(rs, c.now())
		return nil
	})
	if errors.Is(err, ErrRunNotActive) {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotActive, inactive.RunID, jobmanager.PhaseOf(inactive))
	}
	if err != nil {
		return nil, err
	}
	logger().Info("Stop requested", "run_id", rs.RunID, "idx", rs.Idx, "total", len(rs.Queue))
	return rs, nil
}

// Status 目前狀態
type Status struct {
	Phase    jobmanager.Phase
	RunState *types.RunState // 沒有 run 時為 nil
	Stats    map[string]int
	Results  int
}

// Status 讀取 RunState 與結果數
func (c *Controller) Status(ctx context.Context) (Status, error) {
	rs, err := c.store.LoadRunState(ctx)
	if err != nil && !errors.Is(err, store.ErrNoRun) {
		return Status{}, err
	}
	results, err := c.store.Results(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Phase:    jobmanager.PhaseOf(rs),
		RunState: rs,
		Stats:    jobmanager.Stats(rs),
		Results:  len(results),
	}, nil
}

// Recent 最新的 n 筆結果，新的在前；n <= 0 表示全部
func (c *Controller) Recent(ctx context.Context, n int) ([]types.Result, error) {
	results, err := c.store.Results(ctx)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(results) {
		n = len(results)
	}
	out := make([]types.Result, 0, n)
	for i := len(results) - 1; i >= len(results)-n; i-- {
		out = append(out, results[i])
	}
	return out, nil
}

// Export 將所有結果以 CSV 寫入 w，回傳資料列數
func (c *Controller) Export(ctx context.Context, w io.Writer) (int, error) {
	results, err := c.store.Results(ctx)
	if err != nil {
		return 0, err
	}
	return export.Write(w, results)
}

// Clear 清空結果列表；執行中的 run 不允許清除
//
// 檢查與清除在同一個 store 鎖內，避免另一個行程剛好 Start。
func (c *Controller) Clear(ctx context.Context) error {
	return c.store.ClearResults(ctx, func(rs *types.RunState) error {
		if rs != nil && rs.Running {
			return fmt.Errorf("%w: stop it before clearing results", ErrRunActive)
		}
		return nil
	})
}

// ============================================================================
// 執行迴圈
// ============================================================================

// Run 恢復並執行目前的 run，直到完成、停止或 ctx 取消
//
// ctx 取消時回傳 ctx.Err()，RunState 保持 running=true 以便下次恢復。
// 沒有 RunState 時回傳 store.ErrNoRun。
func (c *Controller) Run(ctx context.Context) error {
	if c.sess == nil || c.exec == nil {
		return errors.New("controller has no session or executor")
	}

	rs, err := c.store.LoadRunState(ctx)
	if err != nil {
		return err
	}
	if !rs.Running {
		logger().Info("No active run", "run_id", rs.RunID, "phase", jobmanager.PhaseOf(rs))
		return nil
	}

	rs, err = c.reconcile(ctx, rs)
	if errors.Is(err, errRunReplaced) {
		logger().Warn("Run state was replaced, exiting loop")
		return nil
	}
	if err != nil {
		return err
	}
	if !rs.Running {
		logger().Info("Run complete", "run_id", rs.RunID, "jobs", len(rs.Queue))
		return nil
	}

	if rs.Idx > 0 || rs.SessionHandle != nil {
		c.observeResume()
		logger().Info("Resuming run", "run_id", rs.RunID, "idx", rs.Idx, "total", len(rs.Queue))
	} else {
		logger().Info("Running", "run_id", rs.RunID, "total", len(rs.Queue),
			"delay_seconds", rs.DelaySeconds, "ordering", rs.Ordering)
	}

	c.setActive(true)
	defer c.setActive(false)
	c.observeProgress(rs)

	id, err := c.sess.EnsureSession(ctx, rs)
	if err != nil {
		return err
	}
	if id != c.lastSession {
		c.exec.ForgetLocation()
		c.lastSession = id
	}
	if err := c.sess.Warmup(ctx); err != nil {
		return err
	}

	delay := time.Duration(rs.DelaySeconds) * time.Second
	for {
		next, outcome, err := c.Step(ctx, *rs)
		if err != nil {
			if errors.Is(err, errRunReplaced) {
				logger().Warn("Run state was replaced, exiting loop", "run_id", rs.RunID)
				return nil
			}
			if ctx.Err() != nil {
				logger().Info("Interrupted, run remains resumable", "run_id", rs.RunID, "idx", rs.Idx)
			}
			return err
		}
		rs = &next

		switch outcome {
		case OutcomeCompleted:
			logger().Info("Run complete", "run_id", rs.RunID, "jobs", len(rs.Queue))
			return nil
		case OutcomeStopped:
			logger().Info("Run stopped", "run_id", rs.RunID, "idx", rs.Idx, "total", len(rs.Queue))
			return nil
		}

		logger().Debug("Sleeping before next job", "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			logger().Info("Interrupted, run remains resumable", "run_id", rs.RunID, "idx", rs.Idx)
			return err
		}
	}
}

// Step 執行一個迭代：檢查停止旗標、執行 queue[idx]、持久化
//
// rs 是迴圈目前的 RunState（值傳入），回傳更新後的 RunState。
// 停止旗標一律以 store 中的值為準。
func (c *Controller) Step(ctx context.Context, rs types.RunState) (types.RunState, Outcome, error) {
	fresh, err := c.store.LoadRunState(ctx)
	if err != nil {
		return rs, "", fmt.Errorf("poll run state: %w", err)
	}
	if fresh.RunID != rs.RunID {
		return rs, "", errRunReplaced
	}

	if jobmanager.ShouldHalt(fresh) {
		stopped, err := c.store.UpdateRunState(ctx, func(s *types.RunState) error {
			if s.RunID != rs.RunID {
				return errRunReplaced
			}
			jobmanager.MarkStopped(s, c.now())
			return nil
		})
		if err != nil {
			return rs, "", err
		}
		return *stopped, OutcomeStopped, nil
	}

	if fresh.Done() {
		done, err := c.complete(ctx, rs.RunID)
		if err != nil {
			return rs, "", err
		}
		return *done, OutcomeCompleted, nil
	}

	if rs.SessionHandle == nil {
		return rs, "", ErrNoSession
	}
	cur := fresh.Clone()
	cur.SessionHandle = rs.SessionHandle

	job, err := jobmanager.Current(cur)
	if err != nil {
		return rs, "", err
	}

	logger().Info("Job started", "idx", cur.Idx+1, "total", len(cur.Queue),
		"subject", job.Subject, "location", job.Location)
	started := c.now()
	result := c.exec.Execute(ctx, worker.SpecOf(cur), *cur.SessionHandle, job)
	if err := ctx.Err(); err != nil {
		// 被中斷的任務不寫結果，恢復後重跑
		return rs, "", err
	}

	if err := c.store.AppendResult(ctx, result); err != nil {
		return rs, "", err
	}
	elapsed := c.now().Sub(started)

	idx := cur.Idx
	updated, err := c.store.UpdateRunState(ctx, func(s *types.RunState) error {
		if s.RunID != rs.RunID {
			return errRunReplaced
		}
		s.Idx = idx
		if err := jobmanager.Advance(s, c.now()); err != nil {
			return err
		}
		s.SessionHandle = rs.SessionHandle
		if s.Done() {
			jobmanager.MarkCompleted(s, c.now())
		}
		return nil
	})
	if err != nil {
		return rs, "", fmt.Errorf("persist progress: %w", err)
	}

	logger().Info("Job finished", "idx", updated.Idx, "total", len(updated.Queue),
		"subject", job.Subject, "location", job.Location,
		"status", result.Status, "seller", result.FeaturedSeller,
		"own", result.IsOwnSeller, "retries", result.RetryCount)
	c.observeJob(result.Status, elapsed)
	c.observeProgress(updated)

	if updated.Done() {
		return *updated, OutcomeCompleted, nil
	}
	return *updated, OutcomeAdvanced, nil
}

// reconcile 處理上次在 AppendResult 與 idx 寫入之間崩潰的情況
//
// 本 run 的結果數等於 idx+1，且最後一筆對應 queue[idx] 時，
// 該任務已有結果：只推進 idx，不再執行一次。
func (c *Controller) reconcile(ctx context.Context, rs *types.RunState) (*types.RunState, error) {
	if rs.Done() {
		return rs, nil
	}
	results, err := c.store.Results(ctx)
	if err != nil {
		return nil, err
	}

	recorded := 0
	var last types.Result
	for _, r := range results {
		if r.RunID == rs.RunID {
			recorded++
			last = r
		}
	}
	if recorded != rs.Idx+1 {
		return rs, nil
	}
	job := rs.Queue[rs.Idx]
	if last.Subject != job.Subject || last.Location != job.Location {
		return rs, nil
	}

	idx := rs.Idx
	updated, err := c.store.UpdateRunState(ctx, func(s *types.RunState) error {
		if s.RunID != rs.RunID {
			return errRunReplaced
		}
		if s.Idx != idx {
			return nil
		}
		if err := jobmanager.Advance(s, c.now()); err != nil {
			return err
		}
		if s.Done() {
			jobmanager.MarkCompleted(s, c.now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger().Warn("Result already recorded for job, advancing without re-running",
		"run_id", rs.RunID, "idx", idx+1, "subject", job.Subject, "location", job.Location)
	return updated, nil
}

func (c *Controller) complete(ctx context.Context, runID string) (*types.RunState, error) {
	return c.store.UpdateRunState(ctx, func(s *types.RunState) error {
		if s.RunID != runID {
			return errRunReplaced
		}
		jobmanager.MarkCompleted(s, c.now())
		return nil
	})
}

// ============================================================================
// 指標輔助方法
// ============================================================================

func (c *Controller) setActive(active bool) {
	if c.metrics != nil {
		c.metrics.RunActive(active)
	}
	if c.health != nil {
		c.health.SetServing(active)
	}
}

func (c *Controller) observeResume() {
	if c.metrics != nil {
		c.metrics.Resumed()
	}
}

func (c *Controller) observeJob(status types.StatusCode, d time.Duration) {
	if c.metrics != nil {
		c.metrics.JobFinished(status, d)
	}
}

func (c *Controller) observeProgress(rs *types.RunState) {
	if c.metrics != nil {
		c.metrics.Progress(rs.Idx, len(rs.Queue))
	}
}
