package session

// ============================================================================
// chromedp 實作
// 一個 SessionID = 一個分頁（CDP target id）。
// 使用 remote allocator 時，重新啟動的行程可以用 target id 重新附加到
// 仍開著的分頁；exec allocator 的瀏覽器隨行程結束，IsAlive 會回傳 false。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromeOptions 瀏覽器設定
type ChromeOptions struct {
	RemoteURL string // DevTools websocket URL；空值時自行啟動 Chrome
	Headless  bool
	UserAgent string
	Selectors Selectors
	// 單一點擊/輸入動作的等待上限
	ActionTimeout time.Duration
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Chrome 以 chromedp 實作 Browser
type Chrome struct {
	mu sync.Mutex

	opts        ChromeOptions
	extractor   *Extractor
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	started     bool
	tabs        map[types.SessionID]tab

	// 切換位置時各步驟之間的等待
	stepDelay func(step string) time.Duration
}

var _ Browser = (*Chrome)(nil)

// NewChrome 建立 allocator；瀏覽器在第一次使用時才啟動或連線
func NewChrome(opts ChromeOptions) *Chrome {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if opts.UserAgent != "" {
			execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), execOpts...)
	}

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	return &Chrome{
		opts:        opts,
		extractor:   NewExtractor(opts.Selectors),
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
		tabs:        make(map[types.SessionID]tab),
		stepDelay:   defaultStepDelay,
	}
}

func defaultStepDelay(step string) time.Duration {
	switch step {
	case "open":
		return 1500 * time.Millisecond
	case "typed":
		return 500 * time.Millisecond
	case "applied":
		return 2 * time.Second
	case "done":
		return time.Second
	}
	return 500 * time.Millisecond
}

// start 啟動或連線到瀏覽器，不建立分頁
func (c *Chrome) start() error {
	if c.started {
		return nil
	}
	if _, err := chromedp.Targets(c.browserCtx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	c.started = true
	return nil
}

// Create 開新分頁並回傳其 target id
func (c *Chrome) Create(ctx context.Context) (types.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.start(); err != nil {
		return "", err
	}

	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	if err := attach(ctx, tabCtx, cancel); err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	if err := runBounded(ctx, tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return "", fmt.Errorf("open tab: %w", err)
	}

	cc := chromedp.FromContext(tabCtx)
	if cc == nil || cc.Target == nil {
		cancel()
		return "", errors.New("open tab: no target attached")
	}

	id := types.SessionID(cc.Target.TargetID)
	c.tabs[id] = tab{ctx: tabCtx, cancel: cancel}
	return id, nil
}

// IsAlive 檢查 target 是否仍存在；存在但尚未附加時順便附加
func (c *Chrome) IsAlive(ctx context.Context, id types.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.start(); err != nil {
		logger().Warn("Browser unavailable", "error", err)
		return false
	}

	infos, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		logger().Warn("List targets failed", "error", err)
		return false
	}

	found := false
	for _, info := range infos {
		if info.TargetID == target.ID(id) && info.Type == "page" {
			found = true
			break
		}
	}
	if !found {
		if t, ok := c.tabs[id]; ok {
			t.cancel()
			delete(c.tabs, id)
		}
		return false
	}

	if _, ok := c.tabs[id]; !ok {
		tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(id)))
		if err := attach(ctx, tabCtx, cancel); err != nil {
			logger().Warn("Attach to existing tab failed", "session", id, "error", err)
			return false
		}
		c.tabs[id] = tab{ctx: tabCtx, cancel: cancel}
	}
	return true
}

// Navigate 導覽並等待載入，等待上限由 ctx 決定
func (c *Chrome) Navigate(ctx context.Context, id types.SessionID, url string) error {
	t, err := c.tab(id)
	if err != nil {
		return err
	}
	return runBounded(ctx, t.ctx, chromedp.Navigate(url))
}

// Send 執行指令
func (c *Chrome) Send(ctx context.Context, id types.SessionID, cmd Command) (Response, error) {
	t, err := c.tab(id)
	if err != nil {
		return Response{}, err
	}

	switch cmd.Kind {
	case CommandExtract:
		html, err := c.outerHTML(ctx, t)
		if err != nil {
			return Response{}, err
		}
		return c.extractor.Extract(html, cmd.SellerName), nil
	case CommandSetLocation:
		return c.setLocation(ctx, t, cmd.Location)
	}
	return Response{}, fmt.Errorf("unknown command %q", cmd.Kind)
}

// Close 關閉所有分頁與瀏覽器連線
func (c *Chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, t := range c.tabs {
		t.cancel()
		delete(c.tabs, id)
	}
	c.cancel()
	c.allocCancel()
	return nil
}

func (c *Chrome) tab(id types.SessionID) (tab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tabs[id]
	if !ok {
		return tab{}, fmt.Errorf("session %s is not attached", id)
	}
	return t, nil
}

func (c *Chrome) outerHTML(ctx context.Context, t tab) (string, error) {
	var html string
	if err := runBounded(ctx, t.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return html, nil
}

// setLocation 打開位置彈出視窗、輸入位置代碼並套用
func (c *Chrome) setLocation(ctx context.Context, t tab, code types.LocationCode) (Response, error) {
	sel := c.extractor.Selectors()
	failed := func(msg string) (Response, error) {
		return Response{OK: false, Status: types.StatusLocationSetFailed, Error: msg}, nil
	}

	doc, err := c.document(ctx, t)
	if err != nil {
		return Response{}, err
	}
	if c.extractor.IsDetection(doc) {
		return Response{OK: false, Status: types.StatusDetection, Error: "verification page detected"}, nil
	}

	trigger, ok := FirstPresent(doc, sel.LocationTrigger)
	if !ok {
		return failed("cannot find location trigger element")
	}
	if err := c.action(ctx, t, chromedp.Click(trigger, chromedp.ByQuery)); err != nil {
		return failed(fmt.Sprintf("open location popover: %v", err))
	}
	if err := Wait(ctx, c.stepDelay("open")); err != nil {
		return Response{}, err
	}

	doc, err = c.document(ctx, t)
	if err != nil {
		return Response{}, err
	}
	input, ok := FirstPresent(doc, sel.LocationInput)
	if !ok {
		return failed("cannot find location input")
	}
	if err := c.action(ctx, t,
		chromedp.SetValue(input, "", chromedp.ByQuery),
		chromedp.SendKeys(input, string(code), chromedp.ByQuery),
	); err != nil {
		return failed(fmt.Sprintf("type location: %v", err))
	}
	if err := Wait(ctx, c.stepDelay("typed")); err != nil {
		return Response{}, err
	}

	if apply, ok := FirstPresent(doc, sel.LocationApply); ok {
		if err := c.action(ctx, t, chromedp.Click(apply, chromedp.ByQuery)); err != nil {
			return failed(fmt.Sprintf("apply location: %v", err))
		}
	}
	if err := Wait(ctx, c.stepDelay("applied")); err != nil {
		return Response{}, err
	}

	// 確認與關閉按鈕不一定出現，點不到不算失敗
	doc, err = c.document(ctx, t)
	if err != nil {
		return Response{}, err
	}
	if done, ok := FirstPresent(doc, sel.LocationDone); ok {
		if err := c.action(ctx, t, chromedp.Click(done, chromedp.ByQuery)); err == nil {
			if err := Wait(ctx, c.stepDelay("done")); err != nil {
				return Response{}, err
			}
		}
	}
	if closeBtn, ok := FirstPresent(doc, sel.LocationClose); ok {
		_ = c.action(ctx, t, chromedp.Click(closeBtn, chromedp.ByQuery))
	}

	return Response{OK: true, Status: types.StatusOK}, nil
}

func (c *Chrome) document(ctx context.Context, t tab) (*goquery.Document, error) {
	html, err := c.outerHTML(ctx, t)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(html)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

func (c *Chrome) action(ctx context.Context, t tab, actions ...chromedp.Action) error {
	actCtx, cancel := context.WithTimeout(ctx, c.opts.ActionTimeout)
	defer cancel()
	return runBounded(actCtx, t.ctx, actions...)
}

// attach 第一次 Run 會把分頁綁定到傳入的 context，必須直接使用 NewContext
// 回傳的 tabCtx；呼叫端 ctx 取消時關閉分頁。失敗時已呼叫 cancel。
func attach(ctx, tabCtx context.Context, cancel context.CancelFunc) error {
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return err
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return err
	}
	return nil
}

// runBounded 在分頁 context 上執行動作，但以呼叫端的 ctx 控制取消與逾時
//
// 取消衍生的 context 不會關閉分頁。
func runBounded(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, deadline)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}
