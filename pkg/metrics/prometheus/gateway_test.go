package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGatewayMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newGatewayMetrics(reg)

	m.RecordOperation("read", time.Millisecond, nil)
	m.RecordOperation("read", time.Millisecond, errors.New("boom"))
	m.RecordRevalidation("fresh", 0)
	m.RecordRevert(3)
	m.RecordBlockRead("remote", 4096)
	m.RecordGarbageCollected(2)
	m.RecordSyncedBlocks(5)
	m.RecordXattrLookup("cache")
	m.RecordXattrLookup("cache")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("read", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("read", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revalidations.WithLabelValues("fresh")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.revertedBlocks))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.blockReadBytes.WithLabelValues("remote")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.garbageCollected))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.syncedBlocks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.xattrLookups.WithLabelValues("cache")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.xattrLookups.WithLabelValues("metadata")))
}
