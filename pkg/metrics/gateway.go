package metrics

import "time"

// GatewayMetrics provides observability for the gateway core.
//
// Implementations collect counters and latencies for revalidation, the
// write-back protocol, block reads and garbage collection. Components that
// are given a nil GatewayMetrics use the no-op implementation.
type GatewayMetrics interface {
	// RecordOperation records a completed handle-layer call
	// (e.g. "open", "read", "rename") and its outcome.
	RecordOperation(op string, duration time.Duration, err error)

	// RecordRevalidation records one revalidation. outcome is "fresh" when
	// the cache was trusted without a round trip, "merged" after a merge,
	// "error" otherwise.
	RecordRevalidation(outcome string, duration time.Duration)

	// RecordManifestFetch records a manifest download from source
	// ("coordinator" or "replica").
	RecordManifestFetch(source string, err error)

	// RecordSyncPhase records one phase of a flush ("buffered",
	// "replicate", "metadata", "gc").
	RecordSyncPhase(phase string, duration time.Duration, err error)

	// RecordRevert records a reverted flush and how many dirty blocks were
	// restored.
	RecordRevert(restored int)

	// RecordCoordinatorTakeover records this gateway becoming a file's
	// coordinator after the previous one was unreachable.
	RecordCoordinatorTakeover()

	// RecordBlockRead records a block served from source ("buffer",
	// "local", "cache", "remote").
	RecordBlockRead(source string, bytes int)

	// RecordGarbageCollected records reclaimed block versions.
	RecordGarbageCollected(blocks int)

	// RecordSyncedBlocks records the dirty blocks published by a
	// successful flush.
	RecordSyncedBlocks(blocks int)

	// RecordXattrLookup records an extended attribute read served from
	// source ("builtin", "cache", "metadata").
	RecordXattrLookup(source string)
}

// noopGatewayMetrics discards every observation.
type noopGatewayMetrics struct{}

// NewNoopGatewayMetrics returns a GatewayMetrics that records nothing.
func NewNoopGatewayMetrics() GatewayMetrics {
	return noopGatewayMetrics{}
}

func (noopGatewayMetrics) RecordOperation(string, time.Duration, error) {}
func (noopGatewayMetrics) RecordRevalidation(string, time.Duration) {}
func (noopGatewayMetrics) RecordManifestFetch(string, error) {}
func (noopGatewayMetrics) RecordSyncPhase(string, time.Duration, error) {}
func (noopGatewayMetrics) RecordRevert(int) {}
func (noopGatewayMetrics) RecordCoordinatorTakeover() {}
func (noopGatewayMetrics) RecordBlockRead(string, int) {}
func (noopGatewayMetrics) RecordGarbageCollected(int) {}
func (noopGatewayMetrics) RecordSyncedBlocks(int) {}
func (noopGatewayMetrics) RecordXattrLookup(string) {}

// OrNoop returns m, or the no-op implementation when m is nil.
func OrNoop(m GatewayMetrics) GatewayMetrics {
	if m == nil {
		return NewNoopGatewayMetrics()
	}
	return m
}

// Status returns the status label of an outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
