package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)

	assert.NotNil(t, c.jobs)
	assert.NotNil(t, c.attempts)
	assert.NotNil(t, c.jobDuration)
	// 每個狀態都預先建立
	assert.Equal(t, len(types.AllStatuses()), testutil.CollectAndCount(c.jobs))
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestJobFinished(t *testing.T) {
	c := newTestCollector(t)

	c.JobFinished(types.StatusOK, 3*time.Second)
	c.JobFinished(types.StatusOK, 4*time.Second)
	c.JobFinished(types.StatusDetection, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("DETECTION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.detections))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestObserverEvents(t *testing.T) {
	c := newTestCollector(t)

	c.AttemptFinished(types.StatusUnknown)
	c.AttemptFinished(types.StatusUnknown)
	c.AttemptFinished(types.StatusOK)
	c.LocationSwitch(true)
	c.LocationSwitch(false)
	c.LocationSwitch(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.attempts.WithLabelValues("UNKNOWN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("OK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.locationSwitch.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.locationSwitch.WithLabelValues("failed")))
}

func TestProgressAndRunActive(t *testing.T) {
	c := newTestCollector(t)

	c.Progress(3, 10)
	c.RunActive(true)
	c.Resumed()
	assert.Equal(t, 3.0, testutil.ToFloat64(c.queueDone))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.queueTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resumes))

	c.RunActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runActive))
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.JobFinished(types.StatusOK, 2*time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `geo_sampler_jobs_total{status="OK"} 1`)
	assert.Contains(t, string(body), "geo_sampler_job_duration_seconds_bucket")
}
