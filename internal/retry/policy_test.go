package retry

import (
	"testing"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable_CoversEveryStatus(t *testing.T) {
	for _, s := range types.AllStatuses() {
		_, ok := retryable[s]
		assert.True(t, ok, "status %s missing from retry table", s)
	}
	assert.Len(t, retryable, len(types.AllStatuses()))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		status types.StatusCode
		want   bool
	}{
		{types.StatusOK, false},
		{types.StatusUnknown, true},
		{types.StatusLocationSetFailed, true},
		{types.StatusExtractFailed, true},
		{types.StatusDetection, false},
		{types.StatusError, true},
		{types.StatusCode("CAPTCHA"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.status))
		})
	}
}

func TestPolicy_MaxAttempts(t *testing.T) {
	assert.Equal(t, 1, New(0).MaxAttempts())
	assert.Equal(t, 3, New(2).MaxAttempts())
	assert.Equal(t, 1, New(-5).MaxAttempts())
	assert.Equal(t, 1, Policy{MaxRetries: -1}.MaxAttempts())
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := New(2)

	assert.True(t, p.ShouldRetry(types.StatusError, 1))
	assert.True(t, p.ShouldRetry(types.StatusUnknown, 2))
	assert.False(t, p.ShouldRetry(types.StatusUnknown, 3), "budget exhausted")
	assert.False(t, p.ShouldRetry(types.StatusDetection, 1), "detection is terminal")
	assert.False(t, p.ShouldRetry(types.StatusOK, 1))

	assert.False(t, New(0).ShouldRetry(types.StatusError, 1))
}

func TestIsTerminalFailure(t *testing.T) {
	assert.True(t, IsTerminalFailure(types.StatusDetection))
	assert.False(t, IsTerminalFailure(types.StatusError))
}
