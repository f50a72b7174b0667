package store

// ============================================================================
// FileStore
// 目錄結構：
//   <dir>/run_state.json   RunState 快照（temp + rename 原子寫入）
//   <dir>/results.wal      結果日誌（JSON lines + CRC32）
//   <dir>/.store.lock/     跨行程讀-改-寫鎖
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/geo-sampler/internal/snapshot"
	"github.com/ChuLiYu/geo-sampler/internal/storage/wal"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

const (
	runStateFile = "run_state.json"
	resultsFile  = "results.wal"
)

// FileStore 以檔案系統實作 Store
type FileStore struct {
	dir      string
	snapshot *snapshot.Manager
	results  *wal.WAL
}

var _ Store = (*FileStore)(nil)

// NewFileStore 開啟（必要時建立）資料目錄
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, resultsFile))
	if err != nil {
		return nil, err
	}

	logger().Debug("File store opened", "dir", dir, "results", w.GetLastSeq())
	return &FileStore{
		dir:      dir,
		snapshot: snapshot.NewManager(filepath.Join(dir, runStateFile)),
		results:  w,
	}, nil
}

func (s *FileStore) LoadRunState(ctx context.Context) (*types.RunState, error) {
	data, err := s.snapshot.Load()
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	if data.RunState == nil {
		return nil, ErrNoRun
	}
	return data.RunState, nil
}

func (s *FileStore) SaveRunState(ctx context.Context, rs *types.RunState) error {
	lock, err := acquireLock(ctx, s.dir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := s.snapshot.Write(rs); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

func (s *FileStore) UpdateRunState(ctx context.Context, fn MutateFunc) (*types.RunState, error) {
	lock, err := acquireLock(ctx, s.dir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	data, err := s.snapshot.Load()
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	if data.RunState == nil {
		return nil, ErrNoRun
	}

	rs := data.RunState
	if err := fn(rs); err != nil {
		return nil, err
	}
	if err := s.snapshot.Write(rs); err != nil {
		return nil, fmt.Errorf("save run state: %w", err)
	}
	return rs.Clone(), nil
}

func (s *FileStore) AppendResult(ctx context.Context, r types.Result) error {
	if err := s.results.Append(r); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

func (s *FileStore) Results(ctx context.Context) ([]types.Result, error) {
	results, err := s.results.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return results, nil
}

// ClearResults 將結果日誌旋轉成備份檔，保留舊資料以便人工救回
func (s *FileStore) ClearResults(ctx context.Context, guard GuardFunc) error {
	lock, err := acquireLock(ctx, s.dir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if guard != nil {
		data, err := s.snapshot.Load()
		if err != nil {
			return fmt.Errorf("load run state: %w", err)
		}
		if err := guard(data.RunState); err != nil {
			return err
		}
	}

	backup, err := s.results.Rotate()
	if err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	logger().Info("Results cleared", "backup", backup)
	return nil
}

func (s *FileStore) Close() error {
	return s.results.Close()
}
