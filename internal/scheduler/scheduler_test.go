package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "crmnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		every  time.Duration
		spec   string
	}{
		{name: "cron", raw: "*/1 * * * *", kind: KindCron, source: "cron", spec: "*/1 * * * *"},
		{name: "prefixed cron", raw: "cron:0 9 * * 1-5", kind: KindCron, source: "cron", spec: "0 9 * * 1-5"},
		{name: "descriptor", raw: "@every 1m", kind: KindCron, source: "cron", spec: "@every 1m"},
		{name: "duration", raw: "1m", kind: KindInterval, source: "duration", every: time.Minute, spec: "@every 1m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every:00:05", kind: KindInterval, source: "hhmm", every: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == KindInterval {
				assert.Equal(t, tt.every, got.Every)
			}
			if tt.spec != "" {
				assert.Equal(t, tt.spec, got.Spec())
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "61 * * * *", "00:75", "-5m", "interval:0s"} {
		_, err := Parse(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestDisabledServiceDoesNotRun(t *testing.T) {
	var calls atomic.Int32
	s, err := New("dispatch", Config{Schedule: "@every 1s"}, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, logx.Nop())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, calls.Load())
	snap := s.Snapshot()
	assert.False(t, snap.Enabled)
	assert.False(t, snap.Running)
}

func TestServiceRunsAndSkipsOverlap(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s, err := New("dispatch", Config{Enabled: true, Schedule: "@every 1s", Timeout: 10 * time.Second}, func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	require.Eventually(t, func() bool { return s.Snapshot().Runs >= 1 }, 3*time.Second, 20*time.Millisecond)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "@every 1s", snap.Spec)
	assert.False(t, snap.Next.IsZero())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	assert.False(t, s.Snapshot().Running)
}

func TestApplyTogglesRunner(t *testing.T) {
	s, err := New("dispatch", Config{Schedule: "1h"}, func(ctx context.Context) error { return nil }, logx.Nop())
	require.NoError(t, err)
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "1h"}))
	assert.True(t, s.Snapshot().Running)

	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "bogus"}))
	assert.True(t, s.Snapshot().Running)

	require.NoError(t, s.Apply(Config{Enabled: false, Schedule: "1h"}))
	assert.False(t, s.Snapshot().Running)
}

func TestFailedRunIsRecorded(t *testing.T) {
	s, err := New("dispatch", Config{Enabled: true, Schedule: "1h"}, func(ctx context.Context) error {
		return assert.AnError
	}, logx.Nop())
	require.NoError(t, err)

	s.tick()
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Runs)
	assert.Equal(t, uint64(1), snap.Failures)
	require.NotNil(t, snap.Last)
	assert.Equal(t, assert.AnError.Error(), snap.Last.Err)
}
