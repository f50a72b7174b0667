// Package store 持久化 RunState 與結果列表
//
// 兩種後端：
//   - FileStore: RunState 快照（internal/snapshot）+ 結果日誌（internal/storage/wal）
//   - SQLiteStore: 單一 sqlite 檔案，run_state 與 results 兩張表
//
// RunState 只有一份；UpdateRunState 提供跨行程的讀-改-寫，
// 讓執行迴圈與控制介面各自只改自己擁有的欄位。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

var (
	// ErrNoRun 目前沒有任何 RunState
	ErrNoRun = errors.New("no run state")
	// ErrLocked 無法在期限內取得 store 鎖
	ErrLocked = errors.New("store is locked")
)

// MutateFunc 在鎖內修改 RunState；回傳錯誤時不寫入
type MutateFunc func(rs *types.RunState) error

// GuardFunc 在鎖內檢查目前的 RunState（沒有 run 時為 nil）；回傳錯誤時中止操作
type GuardFunc func(rs *types.RunState) error

// Store RunState 與結果的持久化介面
type Store interface {
	// LoadRunState 讀取目前的 RunState，沒有時回傳 ErrNoRun
	LoadRunState(ctx context.Context) (*types.RunState, error)
	// SaveRunState 整份覆寫 RunState
	SaveRunState(ctx context.Context, rs *types.RunState) error
	// UpdateRunState 原子性讀-改-寫，回傳寫入後的 RunState
	UpdateRunState(ctx context.Context, fn MutateFunc) (*types.RunState, error)

	// AppendResult 追加一筆結果，回傳前已持久化
	AppendResult(ctx context.Context, r types.Result) error
	// Results 依寫入順序讀回所有結果
	Results(ctx context.Context) ([]types.Result, error)
	// ClearResults 清空結果（RunState 不受影響）；guard 可為 nil
	ClearResults(ctx context.Context, guard GuardFunc) error

	Close() error
}

// Backend 後端類型
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Options 建立 Store 的參數
type Options struct {
	Backend    Backend
	Dir        string // FileStore 的資料目錄
	SQLitePath string // SQLiteStore 的資料庫檔案
}

// Open 依 Options 開啟對應的後端
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFile, "":
		return NewFileStore(opts.Dir)
	case BackendSQLite:
		return NewSQLiteStore(opts.SQLitePath)
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
