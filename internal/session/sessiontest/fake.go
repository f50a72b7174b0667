// Package sessiontest 提供可腳本化的假 Browser，供 executor 與 run loop 測試使用
package sessiontest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// Reply 一次 Send 的腳本化結果
type Reply struct {
	Response session.Response
	Err      error
}

// OK 成功的 SET_LOCATION 回應
func OK() Reply {
	return Reply{Response: session.Response{OK: true, Status: types.StatusOK}}
}

// Seller 成功的 EXTRACT 回應
func Seller(name string, own bool) Reply {
	return Reply{Response: session.Response{
		OK: true, Status: types.StatusOK, SoldBy: name, IsOwn: own, Notes: "via fake",
	}}
}

// Status 指定狀態的失敗回應
func Status(s types.StatusCode, msg string) Reply {
	return Reply{Response: session.Response{OK: false, Status: s, Error: msg}}
}

// Unknown 頁面載入但找不到賣家
func Unknown() Reply {
	return Reply{Response: session.Response{OK: true, Status: types.StatusUnknown, Notes: "Could not find seller info on page"}}
}

// ChannelError 通道失敗
func ChannelError(msg string) Reply {
	return Reply{Err: fmt.Errorf("%s", msg)}
}

// Browser 假 Browser；回應依序取用，用完後使用預設值
type Browser struct {
	mu sync.Mutex

	SetLocationReplies []Reply
	ExtractReplies     []Reply
	DefaultSeller      string

	// ExtractFunc 若設定則優先於 ExtractReplies
	ExtractFunc func(location types.LocationCode, url string) Reply

	CreateErr error
	Dead      map[types.SessionID]bool

	created     int
	location    types.LocationCode
	url         string
	Navigations []string
	Commands    []session.Command
}

var _ session.Browser = (*Browser)(nil)

// New 建立預設一律成功的假 Browser
func New() *Browser {
	return &Browser{DefaultSeller: "Acme", Dead: make(map[types.SessionID]bool)}
}

func (b *Browser) Create(ctx context.Context) (types.SessionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	b.created++
	return types.SessionID(fmt.Sprintf("tab-%d", b.created)), nil
}

func (b *Browser) IsAlive(ctx context.Context, id types.SessionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Dead[id]
}

func (b *Browser) Navigate(ctx context.Context, id types.SessionID, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = url
	b.Navigations = append(b.Navigations, url)
	return ctx.Err()
}

func (b *Browser) Send(ctx context.Context, id types.SessionID, cmd session.Command) (session.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Commands = append(b.Commands, cmd)

	var r Reply
	switch cmd.Kind {
	case session.CommandSetLocation:
		r = OK()
		if len(b.SetLocationReplies) > 0 {
			r, b.SetLocationReplies = b.SetLocationReplies[0], b.SetLocationReplies[1:]
		}
		if r.Err == nil && r.Response.OK {
			b.location = cmd.Location
		}
	case session.CommandExtract:
		r = Seller(b.DefaultSeller, b.DefaultSeller == cmd.SellerName)
		switch {
		case b.ExtractFunc != nil:
			r = b.ExtractFunc(b.location, b.url)
		case len(b.ExtractReplies) > 0:
			r, b.ExtractReplies = b.ExtractReplies[0], b.ExtractReplies[1:]
		}
	default:
		return session.Response{}, fmt.Errorf("unknown command %q", cmd.Kind)
	}
	return r.Response, r.Err
}

// Created 已建立的 session 數
func (b *Browser) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// CountCommands 指定類型的 Send 次數
func (b *Browser) CountCommands(kind session.CommandKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// LocationsSet 依序列出送出的 SET_LOCATION 位置
func (b *Browser) LocationsSet() []types.LocationCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.LocationCode
	for _, c := range b.Commands {
		if c.Kind == session.CommandSetLocation {
			out = append(out, c.Location)
		}
	}
	return out
}
