// ============================================================================
// geo-sampler 任務管理器 - 佇列建構與 RunState 狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 建立固定順序的任務佇列，並定義 RunState 的所有合法狀態轉換
//
// 狀態轉換 (State Machine):
//   Idle (無 RunState 或 running=false)
//      ↓ NewRunState()            - 由 Start 建立，idx=0, running=true
//   Running
//      ↓ Advance()                - 每完成一個任務 idx++
//      ↓ MarkCompleted()          - idx == len(queue)
//      ↓ MarkStopped()            - 觀察到 stopRequested 或 running=false
//   Completed / Stopped (running=false，不可再恢復)
//
// 欄位擁有者:
//   - Run Loop:   idx, sessionHandle, running (完成時)
//   - 控制介面:   stopRequested, running (停止時) → RequestStop()
//
// 轉換函式只修改傳入的 RunState，不做 I/O；持久化由呼叫端負責。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 沒有任何商品
	ErrEmptySubjects = errors.New("at least one subject is required")
	// 沒有任何位置
	ErrEmptyLocations = errors.New("at least one location is required")
	// 未提供賣家名稱
	ErrMissingSeller = errors.New("seller name is required")
	// RunState 已非執行中，不能再推進
	ErrNotRunning = errors.New("run is not active")
	// idx 已到佇列尾端
	ErrQueueExhausted = errors.New("queue is exhausted")
)

// ============================================================================
// 佇列建構
// ============================================================================

// BuildQueue 產生 subjects × locations 的完整笛卡兒積，不去重
//
// 參數說明：
//   - subjects: 商品列表（依輸入順序）
//   - locations: 位置列表（依輸入順序）
//   - ordering: LocationMajor 或 SubjectMajor
//
// LocationMajor 每 len(subjects) 個任務才切換一次位置；
// SubjectMajor 讓同一商品的結果連續出現。
// 空輸入由呼叫端事先拒絕。
func BuildQueue(subjects []types.SubjectID, locations []types.LocationCode, ordering types.Ordering) types.Queue {
	queue := make(types.Queue, 0, len(subjects)*len(locations))

	if ordering == types.SubjectMajor {
		for _, s := range subjects {
			for _, l := range locations {
				queue = append(queue, types.Job{Subject: s, Location: l})
			}
		}
		return queue
	}

	for _, l := range locations {
		for _, s := range subjects {
			queue = append(queue, types.Job{Subject: s, Location: l})
		}
	}
	return queue
}

// ============================================================================
// RunState 轉換
// ============================================================================

// StartParams Start 所需的參數
type StartParams struct {
	Subjects     []types.SubjectID
	Locations    []types.LocationCode
	Ordering     types.Ordering
	SellerName   string
	DelaySeconds int
	MaxRetries   int
}

// NewRunState 建立全新的 RunState（新的 runId，idx=0，running=true）
//
// 錯誤處理：
//   - ErrEmptySubjects / ErrEmptyLocations: 輸入為空
//   - ErrMissingSeller: 賣家名稱為空
func NewRunState(p StartParams, now time.Time) (*types.RunState, error) {
	if len(p.Subjects) == 0 {
		return nil, ErrEmptySubjects
	}
	if len(p.Locations) == 0 {
		return nil, ErrEmptyLocations
	}
	if p.SellerName == "" {
		return nil, ErrMissingSeller
	}
	ordering := p.Ordering
	if ordering == "" {
		ordering = types.LocationMajor
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &types.RunState{
		RunID:        uuid.NewString(),
		SellerName:   p.SellerName,
		DelaySeconds: p.DelaySeconds,
		MaxRetries:   maxRetries,
		Ordering:     ordering,
		Running:      true,
		Queue:        BuildQueue(p.Subjects, p.Locations, ordering),
		Idx:          0,
		StartedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ShouldHalt 迴圈頂端的取消檢查：stopRequested 或 running=false
func ShouldHalt(rs *types.RunState) bool {
	return rs == nil || rs.StopRequested || !rs.Running
}

// Current 取得目前 idx 對應的任務
func Current(rs *types.RunState) (types.Job, error) {
	if !rs.Running {
		return types.Job{}, ErrNotRunning
	}
	if rs.Idx < 0 || rs.Idx >= len(rs.Queue) {
		return types.Job{}, ErrQueueExhausted
	}
	return rs.Queue[rs.Idx], nil
}

// Advance 完成一個任務後推進 idx
func Advance(rs *types.RunState, now time.Time) error {
	if rs.Idx >= len(rs.Queue) {
		return fmt.Errorf("advance past idx %d: %w", rs.Idx, ErrQueueExhausted)
	}
	rs.Idx++
	rs.UpdatedAt = now
	return nil
}

// MarkCompleted 自然完成：running=false；最後一個任務期間送來的停止請求一併清除
func MarkCompleted(rs *types.RunState, now time.Time) {
	rs.Running = false
	rs.StopRequested = false
	rs.UpdatedAt = now
	rs.FinishedAt = &now
}

// MarkStopped 迴圈觀察到停止請求後的終止轉換
func MarkStopped(rs *types.RunState, now time.Time) {
	rs.Running = false
	rs.StopRequested = false
	rs.UpdatedAt = now
	rs.FinishedAt = &now
}

// RequestStop 控制介面發出的停止請求
func RequestStop(rs *types.RunState, now time.Time) {
	rs.StopRequested = true
	rs.Running = false
	rs.UpdatedAt = now
}

// SetSession 記錄 session handle
func SetSession(rs *types.RunState, id types.SessionID, now time.Time) {
	rs.SessionHandle = &id
	rs.UpdatedAt = now
}

// ============================================================================
// 查詢方法
// ============================================================================

// Phase RunState 的外部可見狀態
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseStopping  Phase = "stopping"
	PhaseCompleted Phase = "completed"
	PhaseStopped   Phase = "stopped"
)

// PhaseOf 推導 RunState 的狀態
func PhaseOf(rs *types.RunState) Phase {
	switch {
	case rs == nil:
		return PhaseIdle
	case rs.Running:
		return PhaseRunning
	case rs.StopRequested:
		return PhaseStopping
	case rs.Done():
		return PhaseCompleted
	default:
		return PhaseStopped
	}
}

// Stats 取得進度統計
//
// 使用範例：
//
//	stats := jobmanager.Stats(rs)
//	slog.Info("progress", "done", stats["done"], "total", stats["total"])
func Stats(rs *types.RunState) map[string]int {
	if rs == nil {
		return map[string]int{"total": 0, "done": 0, "remaining": 0}
	}
	return map[string]int{
		"total":     len(rs.Queue),
		"done":      rs.Idx,
		"remaining": rs.Remaining(),
	}
}

// CountLocationSwitches 計算依序執行整個佇列所需的位置切換次數（假設無失敗）
func CountLocationSwitches(q types.Queue) int {
	switches := 0
	var last types.LocationCode
	for i, job := range q {
		if i == 0 || job.Location != last {
			switches++
			last = job.Location
		}
	}
	return switches
}
