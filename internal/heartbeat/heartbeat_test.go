package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/pitchqueue/internal/queue"
)

type fakeManager struct {
	registerCalls  int32
	lastLoad       int32
	recoverCount   int
	recoverErr     error
	retryCalls     int32
	retryMaxAge    time.Duration
	retryErr       error
	stats          queue.QueueStats
	statsErr       error
}

func (f *fakeManager) RegisterServer(ctx context.Context, currentLoad int) error {
	atomic.AddInt32(&f.registerCalls, 1)
	atomic.StoreInt32(&f.lastLoad, int32(currentLoad))
	return nil
}
func (f *fakeManager) RecoverAbandonedTasks(ctx context.Context) (int, error) {
	return f.recoverCount, f.recoverErr
}
func (f *fakeManager) RetryFailedTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	atomic.AddInt32(&f.retryCalls, 1)
	f.retryMaxAge = maxAge
	return 0, f.retryErr
}
func (f *fakeManager) GetQueueStats(ctx context.Context) (queue.QueueStats, error) {
	return f.stats, f.statsErr
}

func TestTick_RegistersAndRecoversEveryTick(t *testing.T) {
	m := &fakeManager{}
	l := New(m, func() int { return 2 }, Options{RetryEveryNTicks: 10}, nil)

	l.tick(context.Background())

	assert.EqualValues(t, 1, atomic.LoadInt32(&m.registerCalls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&m.lastLoad))
	assert.EqualValues(t, 0, atomic.LoadInt32(&m.retryCalls), "retry sweep must not run before the Nth tick")
}

func TestTick_RunsRetrySweepOnNthTick(t *testing.T) {
	m := &fakeManager{}
	l := New(m, nil, Options{RetryEveryNTicks: 3, FallbackRetryMaxAge: 24 * time.Hour}, nil)

	l.tick(context.Background())
	l.tick(context.Background())
	l.tick(context.Background())

	assert.EqualValues(t, 1, atomic.LoadInt32(&m.retryCalls))
	assert.Equal(t, 24*time.Hour, m.retryMaxAge)
}

func TestStartStop_RunsAtLeastOnceThenStopsCleanly(t *testing.T) {
	m := &fakeManager{}
	l := New(m, nil, Options{Interval: 10 * time.Millisecond, RetryEveryNTicks: 100}, nil)

	require.NoError(t, l.Start(context.Background()))
	time.Sleep(35 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&m.registerCalls)), 1)
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 30*time.Second, o.Interval)
	assert.Equal(t, 10, o.RetryEveryNTicks)
	assert.Equal(t, 24*time.Hour, o.FallbackRetryMaxAge)
}
