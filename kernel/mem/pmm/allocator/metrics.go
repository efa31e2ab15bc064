package allocator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	framesFreeGauge = "kernel.frames.free"
	framesUsedGauge = "kernel.frames.used"
	frameUnit       = "{frame}"
)

// RegisterMetrics exposes the free and used frame counts as observable
// gauges. The returned registration must be unregistered when the allocator
// is discarded.
func (alloc *BumpAllocator) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	free, err := meter.Int64ObservableGauge(framesFreeGauge,
		metric.WithDescription("Number of physical frames that can still be allocated."),
		metric.WithUnit(frameUnit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gauge: %w", framesFreeGauge, err)
	}

	used, err := meter.Int64ObservableGauge(framesUsedGauge,
		metric.WithDescription("Number of physical frames that are allocated or reserved."),
		metric.WithUnit(frameUnit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gauge: %w", framesUsedGauge, err)
	}

	return meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			alloc.lock.Acquire()
			freeFrames, usedFrames := alloc.countFrames()
			alloc.lock.Release()

			o.ObserveInt64(free, int64(freeFrames))
			o.ObserveInt64(used, int64(usedFrames))
			return nil
		}, free, used)
}
