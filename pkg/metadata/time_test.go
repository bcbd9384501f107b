package metadata

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshnessExpired(t *testing.T) {
	refreshed := time.Unix(1000, 0)

	assert.True(t, Freshness(0).Expired(refreshed, refreshed))
	assert.False(t, NeverExpires.Expired(refreshed, refreshed.Add(time.Hour)))
	assert.False(t, Freshness(500).Expired(refreshed, refreshed.Add(499*time.Millisecond)))
	assert.True(t, Freshness(500).Expired(refreshed, refreshed.Add(500*time.Millisecond)))
}

func TestFreshnessDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.Equal(t, now, Freshness(0).Deadline(now))
	assert.Equal(t, now, NeverExpires.Deadline(now))
	assert.Equal(t, now.Add(2*time.Second), Freshness(2000).Deadline(now))
}

func TestFreshnessOf(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want Freshness
	}{
		{0, 0},
		{1500 * time.Microsecond, 1},
		{30 * time.Second, 30000},
		{-time.Second, NeverExpires},
		{1000 * time.Hour, math.MaxInt32},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FreshnessOf(tt.in))
		})
	}
}
