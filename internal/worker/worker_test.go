package worker

// ============================================================================
// Job Executor Test File
// Purpose: Verify attempt bound, detection short-circuit, location memory
// ============================================================================

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/internal/session/sessiontest"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type countingObserver struct {
	attempts map[types.StatusCode]int
	switches int
	failed   int
}

func (o *countingObserver) AttemptFinished(s types.StatusCode) {
	if o.attempts == nil {
		o.attempts = make(map[types.StatusCode]int)
	}
	o.attempts[s]++
}

func (o *countingObserver) LocationSwitch(ok bool) {
	if ok {
		o.switches++
	} else {
		o.failed++
	}
}

func newExecutor(t *testing.T, fake *sessiontest.Browser) (*Executor, *countingObserver) {
	t.Helper()
	ctrl := session.NewController(fake, nil, session.Config{NavigateTimeout: time.Second})
	ctrl.SetSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	obs := &countingObserver{}
	return NewExecutor(ctrl, Config{BaseURL: "https://shop.test/", Observer: obs}), obs
}

func spec(maxRetries int) JobSpec {
	return JobSpec{RunID: "run-1", SellerName: "Acme", MaxRetries: maxRetries}
}

var job = types.Job{Subject: "B0AAAAAAAA", Location: "10001"}

// ============================================================================
// Attempt Loop
// ============================================================================

// TestExecute_Success tests the happy path
func TestExecute_Success(t *testing.T) {
	fake := sessiontest.New()
	e, obs := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(2), "tab-1", job)

	assert.Equal(t, types.StatusOK, r.Status)
	assert.Equal(t, "Acme", r.FeaturedSeller)
	assert.True(t, r.IsOwnSeller)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, "https://shop.test/dp/B0AAAAAAAA?th=1&psc=1", r.URL)
	assert.Equal(t, "via fake", r.Notes)
	assert.False(t, r.Timestamp.IsZero())

	// home → set location → product page
	assert.Equal(t, []string{"https://shop.test", r.URL}, fake.Navigations)
	assert.Equal(t, 1, obs.switches)
	loc, ok := e.LastApplied()
	assert.True(t, ok)
	assert.Equal(t, job.Location, loc)
}

// TestExecute_DetectionOnExtract tests detection with retries left: one attempt only
func TestExecute_DetectionOnExtract(t *testing.T) {
	fake := sessiontest.New()
	fake.ExtractReplies = []sessiontest.Reply{sessiontest.Status(types.StatusDetection, "captcha")}
	e, obs := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(2), "tab-1", job)

	assert.Equal(t, types.StatusDetection, r.Status)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, 1, fake.CountCommands(session.CommandExtract))
	assert.Equal(t, 1, obs.attempts[types.StatusDetection])
}

// TestExecute_DetectionOnLocationSet tests that extraction is skipped
func TestExecute_DetectionOnLocationSet(t *testing.T) {
	fake := sessiontest.New()
	fake.SetLocationReplies = []sessiontest.Reply{sessiontest.Status(types.StatusDetection, "captcha")}
	e, _ := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(2), "tab-1", job)

	assert.Equal(t, types.StatusDetection, r.Status)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, 0, fake.CountCommands(session.CommandExtract))
	assert.Equal(t, 1, fake.CountCommands(session.CommandSetLocation))
	assert.Equal(t, "detection during location change", r.Notes)
}

// TestExecute_AttemptBound tests retryable statuses stop after MaxRetries+1 attempts
func TestExecute_AttemptBound(t *testing.T) {
	tests := []struct {
		name       string
		reply      sessiontest.Reply
		maxRetries int
		wantStatus types.StatusCode
	}{
		{"unknown", sessiontest.Unknown(), 2, types.StatusUnknown},
		{"channel error", sessiontest.ChannelError("tab gone"), 1, types.StatusError},
		{"extract failed", sessiontest.Status(types.StatusExtractFailed, "bad page"), 3, types.StatusExtractFailed},
		{"no retries", sessiontest.Unknown(), 0, types.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := sessiontest.New()
			fake.ExtractFunc = func(types.LocationCode, string) sessiontest.Reply { return tt.reply }
			e, _ := newExecutor(t, fake)

			r := e.Execute(context.Background(), spec(tt.maxRetries), "tab-1", job)

			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.maxRetries, r.RetryCount)
			assert.Equal(t, tt.maxRetries+1, fake.CountCommands(session.CommandExtract))
			// 位置只設定一次，之後的嘗試沿用
			assert.Equal(t, 1, fake.CountCommands(session.CommandSetLocation))
		})
	}
}

// TestExecute_RecoversOnRetry tests a transient failure followed by success
func TestExecute_RecoversOnRetry(t *testing.T) {
	fake := sessiontest.New()
	fake.ExtractReplies = []sessiontest.Reply{sessiontest.ChannelError("timeout"), sessiontest.Seller("Other", false)}
	e, _ := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(2), "tab-1", job)

	assert.Equal(t, types.StatusOK, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, "Other", r.FeaturedSeller)
	assert.False(t, r.IsOwnSeller)
}

// TestExecute_LocationSetFailed tests extraction still runs and the attempt is retried
func TestExecute_LocationSetFailed(t *testing.T) {
	fake := sessiontest.New()
	fake.SetLocationReplies = []sessiontest.Reply{sessiontest.Status(types.StatusLocationSetFailed, "input missing")}
	e, obs := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(1), "tab-1", job)

	assert.Equal(t, types.StatusOK, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, 2, fake.CountCommands(session.CommandSetLocation), "failed location is re-applied")
	assert.Equal(t, 2, fake.CountCommands(session.CommandExtract))
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 1, obs.switches)
}

// TestExecute_LocationSetFailedNoRetries tests notes accumulate across phases
func TestExecute_LocationSetFailedNoRetries(t *testing.T) {
	fake := sessiontest.New()
	fake.SetLocationReplies = []sessiontest.Reply{sessiontest.Status(types.StatusLocationSetFailed, "input missing")}
	e, _ := newExecutor(t, fake)

	r := e.Execute(context.Background(), spec(0), "tab-1", job)

	assert.Equal(t, types.StatusLocationSetFailed, r.Status)
	assert.Equal(t, "Acme", r.FeaturedSeller, "extraction still runs")
	assert.Equal(t, "input missing; via fake", r.Notes)

	_, ok := e.LastApplied()
	assert.False(t, ok)
}

// TestExecute_Interrupted tests that a cancelled context ends the attempt loop
func TestExecute_Interrupted(t *testing.T) {
	fake := sessiontest.New()
	e, _ := newExecutor(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := e.Execute(ctx, spec(5), "tab-1", job)
	assert.Equal(t, types.StatusError, r.Status)
	assert.Equal(t, 0, r.RetryCount)
	assert.Contains(t, r.Notes, "interrupted")
}

// ============================================================================
// Location Switch Minimization
// ============================================================================

func TestExecute_LocationMajorSwitches(t *testing.T) {
	var subjects []types.SubjectID
	for i := 0; i < 4; i++ {
		subjects = append(subjects, types.SubjectID(fmt.Sprintf("B0%08d", i)))
	}
	locations := []types.LocationCode{"10001", "90210", "30301"}

	tests := []struct {
		ordering     types.Ordering
		wantSwitches int
	}{
		{types.LocationMajor, 3},
		{types.SubjectMajor, 12},
	}

	for _, tt := range tests {
		t.Run(string(tt.ordering), func(t *testing.T) {
			fake := sessiontest.New()
			e, _ := newExecutor(t, fake)

			queue := jobmanager.BuildQueue(subjects, locations, tt.ordering)
			for _, j := range queue {
				r := e.Execute(context.Background(), spec(2), "tab-1", j)
				require.Equal(t, types.StatusOK, r.Status)
			}

			assert.Equal(t, tt.wantSwitches, fake.CountCommands(session.CommandSetLocation))
			assert.Equal(t, jobmanager.CountLocationSwitches(queue), tt.wantSwitches)
		})
	}
}

func TestForgetLocation(t *testing.T) {
	fake := sessiontest.New()
	e, _ := newExecutor(t, fake)

	e.Execute(context.Background(), spec(0), "tab-1", job)
	e.ForgetLocation()
	e.Execute(context.Background(), spec(0), "tab-2", job)

	assert.Equal(t, []types.LocationCode{"10001", "10001"}, fake.LocationsSet())
}

func TestProductURL(t *testing.T) {
	e := NewExecutor(nil, Config{BaseURL: "https://www.example.com"})
	assert.Equal(t, "https://www.example.com/dp/B0XYZ12345?th=1&psc=1", e.ProductURL("B0XYZ12345"))
}
