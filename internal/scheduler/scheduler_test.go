package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/core/enforcement"
)

type blockingEnforcer struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
}

func (e *blockingEnforcer) Run(context.Context) (*enforcement.Report, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- struct{}{}
		<-e.release
	}
	return &enforcement.Report{Checked: 1}, nil
}

func TestTriggerEnforcement_SingleFlight(t *testing.T) {
	enf := &blockingEnforcer{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(enf, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.TriggerEnforcement(context.Background())
	}()
	<-enf.started

	_, err := s.TriggerEnforcement(context.Background())
	assert.ErrorIs(t, err, ErrEnforcementRunning)

	close(enf.release)
	<-done
	assert.EqualValues(t, 1, enf.calls.Load())
}

func TestStart_RegistersJob(t *testing.T) {
	enf := &blockingEnforcer{}
	s := NewScheduler(enf, zap.NewNop())

	require.NoError(t, s.Start("* * * * * *"))
	defer s.Stop()
	assert.Contains(t, s.Entries(), "enforcement")

	assert.Eventually(t, func() bool { return enf.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_InvalidCron(t *testing.T) {
	s := NewScheduler(&blockingEnforcer{}, zap.NewNop())
	assert.Error(t, s.Start("not a cron"))
}
