package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronSweep_SweepRequeuesAndLogsStats(t *testing.T) {
	m := &fakeManager{}
	s := NewCronSweep(m, "", 24*time.Hour, nil)

	s.sweep()

	assert.EqualValues(t, 1, m.retryCalls)
	assert.Equal(t, 24*time.Hour, m.retryMaxAge)
}

func TestCronSweep_StartStop(t *testing.T) {
	m := &fakeManager{}
	s := NewCronSweep(m, "* * * * *", time.Hour, nil)

	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestCronSweep_DefaultsToHourlySpec(t *testing.T) {
	s := NewCronSweep(&fakeManager{}, "", time.Hour, nil)
	assert.Equal(t, "0 * * * *", s.spec)
}
