// Package session 封裝單一互動式瀏覽 session
//
// Browser 是對外部瀏覽器的最小介面（chromedp 實作見 chrome.go）；
// Controller 在其上加入 session 重用、有上限的導覽等待與錯誤轉換，
// 讓 Job Executor 永遠拿到結構化的 Response 而不是 error。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 指令與回應
// ============================================================================

// CommandKind 送入頁面的指令類型
type CommandKind string

const (
	CommandSetLocation CommandKind = "SET_LOCATION"
	CommandExtract     CommandKind = "EXTRACT"
)

// Command 送給頁面內擷取邏輯的指令
type Command struct {
	Kind       CommandKind
	Location   types.LocationCode // SET_LOCATION
	SellerName string             // EXTRACT
}

// SetLocation 建立切換位置指令
func SetLocation(code types.LocationCode) Command {
	return Command{Kind: CommandSetLocation, Location: code}
}

// Extract 建立擷取指令
func Extract(sellerName string) Command {
	return Command{Kind: CommandExtract, SellerName: sellerName}
}

// Response 指令的結構化回應
//
// SET_LOCATION: Status ∈ {OK, DETECTION, LOCATION_SET_FAILED}
// EXTRACT:      Status ∈ {OK, UNKNOWN, DETECTION}；通道失敗時為 ERROR
type Response struct {
	OK                bool
	Status            types.StatusCode
	Error             string
	SoldBy            string
	IsOwn             bool
	QuantityAvailable string
	Notes             string
}

// errorResponse 通道失敗或沒有回應時的合成回應
func errorResponse(msg string) Response {
	return Response{OK: false, Status: types.StatusError, Error: msg}
}

// Browser 外部瀏覽器介面
type Browser interface {
	// Create 開啟新的 session（分頁）
	Create(ctx context.Context) (types.SessionID, error)
	// IsAlive 檢查 session 是否仍可用
	IsAlive(ctx context.Context, id types.SessionID) bool
	// Navigate 導覽到 url 並等待載入完成
	Navigate(ctx context.Context, id types.SessionID, url string) error
	// Send 在目前頁面執行指令
	Send(ctx context.Context, id types.SessionID, cmd Command) (Response, error)
}

// ============================================================================
// Controller
// ============================================================================

// Config Controller 的時間參數
type Config struct {
	NavigateTimeout time.Duration // 單次導覽的等待上限
	SettleDelay     time.Duration // 導覽或切換位置後的固定等待
	WarmupDelay     time.Duration // 取得 session 後的初始等待
}

// DefaultConfig 預設時間參數
func DefaultConfig() Config {
	return Config{
		NavigateTimeout: 30 * time.Second,
		SettleDelay:     1500 * time.Millisecond,
		WarmupDelay:     2 * time.Second,
	}
}

// Controller Session Controller adapter
type Controller struct {
	browser Browser
	store   store.Store
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewController 建立 adapter；cfg 中的零值使用預設值
func NewController(b Browser, s store.Store, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.NavigateTimeout <= 0 {
		cfg.NavigateTimeout = def.NavigateTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.WarmupDelay < 0 {
		cfg.WarmupDelay = 0
	}
	return &Controller{
		browser: b,
		store:   s,
		cfg:     cfg,
		sleep:   Wait,
		now:     time.Now,
	}
}

// SetSleep 替換等待函式（測試用）
func (c *Controller) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// EnsureSession 重用 RunState 中仍存活的 session，否則建立新的並寫回 store
//
// 新建 session 時只寫一次 store，且只改 sessionHandle，不覆蓋其他欄位。
// rs 會同步更新為新的 handle。
func (c *Controller) EnsureSession(ctx context.Context, rs *types.RunState) (types.SessionID, error) {
	if rs.SessionHandle != nil && *rs.SessionHandle != "" {
		id := *rs.SessionHandle
		if c.browser.IsAlive(ctx, id) {
			logger().Info("Reusing session", "session", id)
			return id, nil
		}
		logger().Info("Persisted session is gone, creating a new one", "session", id)
	}

	id, err := c.browser.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	now := c.now()
	_, err = c.store.UpdateRunState(ctx, func(stored *types.RunState) error {
		jobmanager.SetSession(stored, id, now)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNoRun) {
		return "", fmt.Errorf("persist session handle: %w", err)
	}
	jobmanager.SetSession(rs, id, now)

	logger().Info("Session created", "session", id)
	return id, nil
}

// Warmup 取得 session 後的初始等待
func (c *Controller) Warmup(ctx context.Context) error {
	return c.sleep(ctx, c.cfg.WarmupDelay)
}

// Navigate 導覽到 url，等待上限 NavigateTimeout；逾時或失敗只記錄，之後固定等待 SettleDelay
//
// 只有 ctx 被取消時才回傳錯誤。
func (c *Controller) Navigate(ctx context.Context, id types.SessionID, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavigateTimeout)
	err := c.browser.Navigate(navCtx, id, url)
	cancel()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		logger().Warn("Navigation did not complete, continuing", "url", url, "error", err)
	}
	return c.Settle(ctx)
}

// Settle 固定等待 SettleDelay
func (c *Controller) Settle(ctx context.Context) error {
	return c.sleep(ctx, c.cfg.SettleDelay)
}

// Send 送出指令；通道失敗或空回應一律轉為 {ok:false, status:ERROR}
func (c *Controller) Send(ctx context.Context, id types.SessionID, cmd Command) Response {
	resp, err := c.browser.Send(ctx, id, cmd)
	if err != nil {
		logger().Warn("Session command failed", "command", cmd.Kind, "session", id, "error", err)
		return errorResponse(err.Error())
	}
	if resp.Status == "" {
		return errorResponse("no response from session")
	}
	return resp
}

// Wait 可被 ctx 中斷的 sleep
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
