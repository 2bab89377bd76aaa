package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_WithinJitterBounds(t *testing.T) {
	base := 60 * time.Second
	cap := time.Hour

	cases := []struct {
		n        int
		expected time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
	}

	for _, c := range cases {
		for i := 0; i < 50; i++ {
			d := Backoff(c.n, base, cap)
			lo := time.Duration(float64(c.expected) * 0.8)
			hi := time.Duration(float64(c.expected) * 1.2)
			assert.GreaterOrEqualf(t, d, lo, "n=%d", c.n)
			assert.LessOrEqualf(t, d, hi, "n=%d", c.n)
		}
	}
}

func TestBackoff_RespectsCap(t *testing.T) {
	base := 60 * time.Second
	cap := 5 * time.Minute

	d := Backoff(10, base, cap)
	assert.LessOrEqual(t, d, time.Duration(float64(cap)*1.2))
}
