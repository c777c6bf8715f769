package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(nil)
	err := s.AddJob("not a schedule", JobFunc{JobName: "noop", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
}

func TestJobRunsOnSchedule(t *testing.T) {
	s := New(nil, cron.WithSeconds())
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	require.NoError(t, s.AddJob("* * * * * *", JobFunc{JobName: "tick", Fn: func(context.Context) error {
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return nil
	}}))
	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(nil)
	var seen error
	s.Stop()
	s.RunNow(JobFunc{JobName: "after-stop", Fn: func(ctx context.Context) error {
		seen = ctx.Err()
		return errors.New("cancelled")
	}})
	assert.ErrorIs(t, seen, context.Canceled)
}
