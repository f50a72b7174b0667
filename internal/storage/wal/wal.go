package wal

// ============================================================================
// WAL 核心實作（結果日誌）
// 職責：
// 1. 追加結果紀錄到日誌檔案（append-only，每筆 fsync）
// 2. 提供重放功能以讀回有序的結果列表
// 3. 支援清空（旋轉成備份檔後重新開始）
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// WAL 表示結果日誌實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前紀錄序號
	closed  bool

	// 第一次 Append 前要確認檔尾沒有寫到一半的紀錄
	tailChecked bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 只讀取不修改：殘缺的檔尾由第一次 Append 截斷，唯讀的行程不會動到檔案
*/
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	var seq uint64
	if _, _, err := scanFile(path, func(rec Record) error {
		seq = rec.Seq
		return nil
	}); err != nil {
		file.Close()
		return nil, fmt.Errorf("read wal %s: %w", path, err)
	}

	return &WAL{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     seq,
	}, nil
}

// Append 追加一筆結果到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案並同步到磁碟後才回傳
// - 第一次寫入前截斷崩潰留下的殘缺紀錄
func (w *WAL) Append(result types.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if !w.tailChecked {
		if err := w.repairTail(); err != nil {
			return err
		}
		w.tailChecked = true
	}

	result.Timestamp = result.Timestamp.UTC()
	seq := w.seq + 1
	rec := Record{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Result:    result,
		Checksum:  CalculateChecksum(seq, result),
	}

	if err := w.encoder.Encode(rec); err != nil {
		w.tailChecked = false
		return fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync seq=%d: %w", seq, err)
	}
	w.seq = seq
	return nil
}

// Replay 重放所有紀錄
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每筆紀錄的 checksum
// - 呼叫 handler 處理紀錄
// - 檔尾不完整的紀錄（寫入途中崩潰）會被略過並記錄警告
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return replayFile(w.path, handler)
}

// ReadAll 讀回完整有序的結果列表
func (w *WAL) ReadAll() ([]types.Result, error) {
	results := make([]types.Result, 0)
	err := w.Replay(func(rec Record) error {
		results = append(results, rec.Result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Rotate 清空日誌：舊檔改名為帶時間戳的備份，再開一個空檔
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return "", err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.tailChecked = true
	return backupPath, nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的紀錄序號（等於目前的結果筆數）
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// replayFile 逐筆解碼並驗證；呼叫者自行決定是否持有鎖
func replayFile(path string, handler RecordHandler) error {
	_, _, err := scanFile(path, handler)
	return err
}

// scanFile 回傳最後一筆完整紀錄的結束位置，以及檔尾是否有殘缺紀錄
func scanFile(path string, handler RecordHandler) (end int64, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var rec Record
		err := decoder.Decode(&rec)
		if err == io.EOF {
			return end, false, nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				logger().Warn("Dropping truncated trailing WAL record", "path", path, "after_seq", lastSeq, "offset", end)
				return end, true, nil
			}
			return end, false, &CorruptionError{Seq: lastSeq, Offset: end, Cause: err}
		}

		if err := VerifyChecksum(rec); err != nil {
			return end, false, err
		}
		if err := handler(rec); err != nil {
			return end, false, err
		}
		lastSeq = rec.Seq
		end = decoder.InputOffset()
	}
}

// repairTail 截斷殘缺的檔尾並同步 seq；呼叫者持有 w.mu
//
// 截斷後補回換行，下一筆紀錄才會從新的一行開始。
func (w *WAL) repairTail() error {
	var seq uint64
	end, torn, err := scanFile(w.path, func(rec Record) error {
		seq = rec.Seq
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal: check tail: %w", err)
	}
	w.seq = seq
	if !torn {
		return nil
	}

	if err := w.file.Truncate(end); err != nil {
		return fmt.Errorf("wal: truncate partial record at offset %d: %w", end, err)
	}
	if end > 0 {
		if _, err := w.file.Write([]byte("\n")); err != nil {
			return fmt.Errorf("wal: truncate partial record at offset %d: %w", end, err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync after truncate: %w", err)
	}
	logger().Warn("Truncated partial trailing WAL record", "path", w.path, "offset", end, "after_seq", seq)
	return nil
}
