// Package types 定義了 geo-sampler 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// SubjectID 被取樣商品的識別碼（例如 ASIN）
type SubjectID string

// LocationCode 地理位置代碼（例如 ZIP code）
type LocationCode string

// SessionID 互動式瀏覽 session 的識別碼
type SessionID string

// StatusCode 單一任務結果的狀態
type StatusCode string

// 定義狀態常數（封閉集合，重試表見 internal/retry）
const (
	StatusOK                StatusCode = "OK"                  // 擷取成功（有資料或合法地沒有資料）
	StatusUnknown           StatusCode = "UNKNOWN"             // 頁面載入但無可辨識資料
	StatusLocationSetFailed StatusCode = "LOCATION_SET_FAILED" // 切換位置失敗
	StatusExtractFailed     StatusCode = "EXTRACT_FAILED"      // 擷取指令失敗
	StatusDetection         StatusCode = "DETECTION"           // 反機器人驗證頁面（終止）
	StatusError             StatusCode = "ERROR"               // session 通道失敗
)

// AllStatuses 回傳所有已知狀態，順序固定
func AllStatuses() []StatusCode {
	return []StatusCode{
		StatusOK,
		StatusUnknown,
		StatusLocationSetFailed,
		StatusExtractFailed,
		StatusDetection,
		StatusError,
	}
}

// Ordering 佇列排序模式
type Ordering string

const (
	// SubjectMajor 外層迴圈為商品，內層為位置
	SubjectMajor Ordering = "subject-major"
	// LocationMajor 外層迴圈為位置，內層為商品（位置切換次數最少）
	LocationMajor Ordering = "location-major"
)

// ParseOrdering 解析排序模式字串
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case SubjectMajor, LocationMajor:
		return Ordering(s), nil
	case "":
		return LocationMajor, nil
	}
	return "", fmt.Errorf("unknown ordering %q (want %s or %s)", s, LocationMajor, SubjectMajor)
}

// Job 一個 (商品, 位置) 組合，加入佇列後不可變
type Job struct {
	Subject  SubjectID    `json:"subject"`
	Location LocationCode `json:"location"`
}

// Queue 固定順序的任務序列，建立後只做索引存取
type Queue []Job

// RunState 一次執行的完整可變狀態，每次變更後持久化
type RunState struct {
	// 識別與設定
	RunID        string   `json:"run_id"`
	SellerName   string   `json:"seller_name"`   // 用於判斷 featured offer 是否為自己
	DelaySeconds int      `json:"delay_seconds"` // 任務間固定間隔
	MaxRetries   int      `json:"max_retries"`
	Ordering     Ordering `json:"ordering"`

	// 控制旗標
	Running       bool `json:"running"`
	StopRequested bool `json:"stop_requested"`

	// 進度
	Queue         Queue      `json:"queue"`
	Idx           int        `json:"idx"`
	SessionHandle *SessionID `json:"session_handle,omitempty"`

	// 時間管理
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Remaining 剩餘未處理的任務數
func (rs *RunState) Remaining() int {
	if rs == nil || rs.Idx >= len(rs.Queue) {
		return 0
	}
	return len(rs.Queue) - rs.Idx
}

// Done 是否所有任務都已處理
func (rs *RunState) Done() bool {
	return rs.Idx >= len(rs.Queue)
}

// Clone 深拷貝，避免呼叫端共用 Queue 與 SessionHandle
func (rs *RunState) Clone() *RunState {
	if rs == nil {
		return nil
	}
	c := *rs
	c.Queue = append(Queue(nil), rs.Queue...)
	if rs.SessionHandle != nil {
		h := *rs.SessionHandle
		c.SessionHandle = &h
	}
	if rs.FinishedAt != nil {
		f := *rs.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// Result 單一任務的最終結果，寫入後不再修改
type Result struct {
	RunID             string       `json:"run_id"`
	Timestamp         time.Time    `json:"timestamp"`
	Subject           SubjectID    `json:"subject"`
	Location          LocationCode `json:"location"`
	Status            StatusCode   `json:"status"`
	FeaturedSeller    string       `json:"featured_seller"`
	IsOwnSeller       bool         `json:"is_own_seller"`
	QuantityAvailable string       `json:"quantity_available,omitempty"`
	RetryCount        int          `json:"retry_count"`
	Notes             string       `json:"notes"`
	URL               string       `json:"url"`
}
