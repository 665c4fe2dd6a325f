package outbox

import (
	"sync/atomic"
	"time"
)

// AdaptiveBatchSizer is a multiplicative increase/decrease controller for the
// dispatcher's fetch limit, trading dispatch latency against throughput. It is
// only fed cycles that completed cleanly; poison-pill and system-failure
// cycles carry unrepresentative durations and must not move the limit.
type AdaptiveBatchSizer struct {
	min           int
	max           int
	targetLatency time.Duration
	current       atomic.Int32
}

func NewAdaptiveBatchSizer(min, max int, targetLatency time.Duration) *AdaptiveBatchSizer {
	s := &AdaptiveBatchSizer{min: min, max: max, targetLatency: targetLatency}
	s.current.Store(int32(min))
	return s
}

// Current returns the batch limit for the next dispatch cycle.
func (s *AdaptiveBatchSizer) Current() int {
	return int(s.current.Load())
}

// Reset drops the limit back to its floor. Called when the outbox drains
// completely, so an idle dispatcher does not hold a large lock footprint.
func (s *AdaptiveBatchSizer) Reset() {
	s.current.Store(int32(s.min))
}

// Adjust feeds one clean cycle's duration and row count. Fewer rows than the
// limit means the backlog is drained: reset to the floor. Otherwise grow by
// 1.2x under the latency target, shrink by 0.7x over it, clamped to [min, max].
func (s *AdaptiveBatchSizer) Adjust(elapsed time.Duration, recordsProcessed int) {
	for {
		current := s.current.Load()

		var next int32
		switch {
		case recordsProcessed < int(current):
			next = int32(s.min)
		case elapsed < s.targetLatency:
			next = int32(float64(current) * 1.2)
			if next > int32(s.max) {
				next = int32(s.max)
			}
		default:
			next = int32(float64(current) * 0.7)
			if next < int32(s.min) {
				next = int32(s.min)
			}
		}

		if s.current.CompareAndSwap(current, next) {
			return
		}
	}
}
