package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockDirName   = ".store.lock"
	lockOwnerFile = "owner.json"
)

var (
	lockRetryInterval = 20 * time.Millisecond
	lockWaitTimeout   = 10 * time.Second
	// 持有者崩潰後遺留的鎖，超過此時間視為失效
	lockStaleAfter = 30 * time.Second
)

// dirLock 以 mkdir 的原子性做跨行程互斥
//
// 只保護短暫的讀-改-寫區段，不是整個執行期間的鎖。
type dirLock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// acquireLock 重試直到取得鎖、ctx 取消或逾時（ErrLocked）
func acquireLock(ctx context.Context, dir string) (dirLock, error) {
	lockDir := filepath.Join(dir, lockDirName)
	deadline := time.Now().Add(lockWaitTimeout)

	for {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return dirLock{}, fmt.Errorf("acquire store lock %s: %w", dir, err)
		}

		if breakStaleLock(lockDir) {
			continue
		}
		if time.Now().After(deadline) {
			return dirLock{}, fmt.Errorf("%w: %s (%s)", ErrLocked, dir, describeOwner(lockDir))
		}

		select {
		case <-ctx.Done():
			return dirLock{}, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Hostname:  hostnameOrUnknown(),
	}
	data, _ := json.Marshal(owner)
	if err := os.WriteFile(filepath.Join(lockDir, lockOwnerFile), data, 0o644); err != nil {
		_ = os.Remove(lockDir)
		return dirLock{}, fmt.Errorf("write store lock owner for %s: %w", dir, err)
	}

	return dirLock{lockDir: lockDir}, nil
}

func (l dirLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release store lock %s: %w", l.lockDir, err)
	}
	return nil
}

// breakStaleLock 移除過期的鎖，成功時回傳 true
func breakStaleLock(lockDir string) bool {
	info, err := os.Stat(lockDir)
	if err != nil {
		// 已被釋放，直接重試
		return os.IsNotExist(err)
	}
	if time.Since(info.ModTime()) < lockStaleAfter {
		return false
	}

	logger().Warn("Breaking stale store lock", "lock", lockDir, "owner", describeOwner(lockDir))
	_ = os.Remove(filepath.Join(lockDir, lockOwnerFile))
	return os.Remove(lockDir) == nil
}

func describeOwner(lockDir string) string {
	data, err := os.ReadFile(filepath.Join(lockDir, lockOwnerFile))
	if err != nil {
		return "owner unknown"
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil || owner.PID <= 0 {
		return "owner unknown"
	}
	return fmt.Sprintf("pid=%d created_at=%s host=%s", owner.PID, owner.CreatedAt, owner.Hostname)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
