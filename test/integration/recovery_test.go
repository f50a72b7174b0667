// ============================================================================
// geo-sampler 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復功能測試（兩種 store 後端）
//
// 測試目標:
//   1. 中斷後以新的 Controller 與重新開啟的 store 恢復，每個任務恰好一筆結果
//   2. 另一個行程（另一個 store handle）送出的停止請求在下一次迭代生效
//   3. Result 寫入與 idx 持久化之間崩潰：恢復後直接推進 idx，不重跑
//
// 測試配置:
//   - 假 Browser（sessiontest），不需要真的 Chrome
//   - 任務間隔以可注入的 sleep 取代
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/controller"
	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/internal/session/sessiontest"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/internal/worker"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// process 一個「行程」：自己的 store handle、Browser 與 Controller
type process struct {
	store store.Store
	fake  *sessiontest.Browser
	ctrl  *controller.Controller
}

func storeOptions(t *testing.T, backend store.Backend) store.Options {
	dir := t.TempDir()
	return store.Options{Backend: backend, Dir: dir, SQLitePath: filepath.Join(dir, "geo.db")}
}

func newProcess(t *testing.T, opts store.Options, jobDelay time.Duration) *process {
	t.Helper()

	st, err := store.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := sessiontest.New()
	sess := session.NewController(fake, st, session.Config{NavigateTimeout: time.Second})
	sess.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })

	ctrl := controller.NewController(controller.Options{
		Store:    st,
		Session:  sess,
		Executor: worker.NewExecutor(sess, worker.Config{BaseURL: "https://shop.test"}),
		Config:   controller.DefaultConfig(),
	})
	ctrl.SetSleep(func(ctx context.Context, _ time.Duration) error {
		return session.Wait(ctx, jobDelay)
	})
	return &process{store: st, fake: fake, ctrl: ctrl}
}

func params(nSubjects int) jobmanager.StartParams {
	var subjects []types.SubjectID
	for i := 0; i < nSubjects; i++ {
		subjects = append(subjects, types.SubjectID(fmt.Sprintf("B0%08d", i)))
	}
	return jobmanager.StartParams{
		Subjects:     subjects,
		Locations:    []types.LocationCode{"10001", "90210", "30301"},
		Ordering:     types.LocationMajor,
		SellerName:   "Acme",
		DelaySeconds: 10,
		MaxRetries:   1,
	}
}

func backends() []store.Backend {
	return []store.Backend{store.BackendFile, store.BackendSQLite}
}

// TestCrashAndResume 多次中斷後恢復，結果與佇列一一對應
func TestCrashAndResume(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			opts := storeOptions(t, backend)

			first := newProcess(t, opts, 0)
			rs, err := first.ctrl.Start(context.Background(), params(5))
			require.NoError(t, err)
			queue := rs.Queue
			require.Len(t, queue, 15)

			// 每個行程處理幾個任務後被中斷
			for _, after := range []int{4, 3, 5} {
				p := newProcess(t, opts, 0)
				ctx, cancel := context.WithCancel(context.Background())
				var calls int32
				p.fake.ExtractFunc = func(types.LocationCode, string) sessiontest.Reply {
					if atomic.AddInt32(&calls, 1) == int32(after+1) {
						cancel()
					}
					return sessiontest.Seller("Acme", true)
				}
				err := p.ctrl.Run(ctx)
				cancel()
				require.ErrorIs(t, err, context.Canceled)
			}

			mid, err := first.store.LoadRunState(context.Background())
			require.NoError(t, err)
			assert.True(t, mid.Running)
			assert.Equal(t, 12, mid.Idx)

			last := newProcess(t, opts, 0)
			require.NoError(t, last.ctrl.Run(context.Background()))

			final, err := last.store.LoadRunState(context.Background())
			require.NoError(t, err)
			assert.False(t, final.Running)
			assert.Equal(t, len(queue), final.Idx)
			assert.Equal(t, queue, final.Queue, "queue is never rebuilt on resume")

			results, err := last.store.Results(context.Background())
			require.NoError(t, err)
			require.Len(t, results, len(queue))
			for i, r := range results {
				assert.Equal(t, queue[i].Subject, r.Subject, "result %d", i)
				assert.Equal(t, queue[i].Location, r.Location, "result %d", i)
				assert.Equal(t, rs.RunID, r.RunID)
			}
		})
	}
}

// TestStopFromAnotherProcess 停止請求經由另一個 store handle 送出
func TestStopFromAnotherProcess(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			opts := storeOptions(t, backend)

			loop := newProcess(t, opts, 20*time.Millisecond)
			_, err := loop.ctrl.Start(context.Background(), params(10))
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- loop.ctrl.Run(context.Background()) }()

			other := newProcess(t, opts, 0)
			require.Eventually(t, func() bool {
				st, err := other.ctrl.Status(context.Background())
				return err == nil && st.Results >= 2
			}, 5*time.Second, 10*time.Millisecond)

			_, err = other.ctrl.Stop(context.Background())
			require.NoError(t, err)

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("run loop did not observe the stop request")
			}

			st, err := other.ctrl.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, jobmanager.PhaseStopped, st.Phase)
			assert.Less(t, st.RunState.Idx, len(st.RunState.Queue))
			assert.Equal(t, st.RunState.Idx, st.Results, "every processed job has exactly one result")
		})
	}
}

// TestCrashBetweenAppendAndAdvance 結果已寫入但 idx 尚未推進時崩潰
func TestCrashBetweenAppendAndAdvance(t *testing.T) {
	for _, backend := range backends() {
		t.Run(string(backend), func(t *testing.T) {
			crashBetweenAppendAndAdvance(t, backend)
		})
	}
}

func crashBetweenAppendAndAdvance(t *testing.T, backend store.Backend) {
	opts := storeOptions(t, backend)

	p := newProcess(t, opts, 0)
	rs, err := p.ctrl.Start(context.Background(), params(1))
	require.NoError(t, err)

	// 模擬：queue[0] 的結果寫入後行程立即結束
	require.NoError(t, p.store.AppendResult(context.Background(), types.Result{
		RunID:     rs.RunID,
		Timestamp: time.Now().UTC(),
		Subject:   rs.Queue[0].Subject,
		Location:  rs.Queue[0].Location,
		Status:    types.StatusOK,
	}))

	resumed := newProcess(t, opts, 0)
	require.NoError(t, resumed.ctrl.Run(context.Background()))

	results, err := resumed.store.Results(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(rs.Queue), "job at the crashed idx is not processed again")
	for i, r := range results {
		assert.Equal(t, rs.Queue[i].Subject, r.Subject)
		assert.Equal(t, rs.Queue[i].Location, r.Location)
	}

	st, err := resumed.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobmanager.PhaseCompleted, st.Phase)
}
