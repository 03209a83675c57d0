package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProtectionMetricsSuccessRate(t *testing.T) {
	m := NewProtectionMetrics("test_protection")

	// No attempts yet: the gauge stays untouched.
	m.UpdateSuccessRate()
	assert.Equal(t, float64(0), counterValue(m.Attempts))

	m.Attempts.Inc()
	m.Attempts.Inc()
	m.Successes.Inc()
	m.UpdateSuccessRate()

	assert.Equal(t, float64(2), counterValue(m.Attempts))
	assert.Equal(t, float64(1), counterValue(m.Successes))
}

func TestKeeperMetricsRegister(t *testing.T) {
	m := NewKeeperMetrics("test_keeper")
	m.Polls.Inc()
	m.TrackedAccounts.Set(3)
	assert.Equal(t, float64(1), counterValue(m.Polls))
}

func TestReporter(t *testing.T) {
	Initialize(&MetricsConfig{ReportInterval: time.Millisecond, LogMetrics: true}, zaptest.NewLogger(t))

	m := NewKeeperMetrics("test_report")
	m.Polls.Inc()
	m.TrackedAccounts.Set(2)

	fields := snapshotFields()
	require.NotEmpty(t, fields)

	keys := make(map[string]bool, len(fields))
	for _, f := range fields {
		keys[f.Key] = true
	}
	assert.True(t, keys["test_report_polls_total"])
	assert.True(t, keys["test_report_tracked_accounts"])

	// The reporter goroutine stops with its context.
	ctx, cancel := context.WithCancel(context.Background())
	StartReporter(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
}
