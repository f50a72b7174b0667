package worker

import (
	"context"

	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

// Session 是 Executor 需要的 session 操作（*session.Controller 實作）
type Session interface {
	Navigate(ctx context.Context, id types.SessionID, url string) error
	Settle(ctx context.Context) error
	Send(ctx context.Context, id types.SessionID, cmd session.Command) session.Response
}

// JobSpec 執行單一任務所需的 run 層級設定
type JobSpec struct {
	RunID      string
	SellerName string
	MaxRetries int
}

// SpecOf 從 RunState 取出 JobSpec
func SpecOf(rs *types.RunState) JobSpec {
	return JobSpec{RunID: rs.RunID, SellerName: rs.SellerName, MaxRetries: rs.MaxRetries}
}

// Observer 接收每次嘗試與位置切換的事件（metrics 實作）
type Observer interface {
	AttemptFinished(status types.StatusCode)
	LocationSwitch(ok bool)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(types.StatusCode) {}
func (nopObserver) LocationSwitch(bool)              {}
