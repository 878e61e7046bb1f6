package fill

import (
	"context"
	"time"

	"github.com/Amund211/batchfill/internal/logging"
)

// TickerFunc starts a periodic trigger, returning its channel and a stop function
type TickerFunc func(interval time.Duration) (<-chan time.Time, func())

func NewTicker(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Driver invokes a tick function periodically from a single goroutine.
//
// Ticks never overlap: if a tick overruns the interval, missed triggers are dropped.
type Driver struct {
	tick          func(ctx context.Context) TickResult
	interval      time.Duration
	lookupTimeout time.Duration
	tickerFunc    TickerFunc
}

func NewDriver(
	tick func(ctx context.Context) TickResult,
	interval time.Duration,
	lookupTimeout time.Duration,
	tickerFunc TickerFunc,
) *Driver {
	if lookupTimeout <= 0 {
		lookupTimeout = interval
	}
	return &Driver{
		tick:          tick,
		interval:      interval,
		lookupTimeout: lookupTimeout,
		tickerFunc:    tickerFunc,
	}
}

// Run blocks until ctx is done
func (d *Driver) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	ticks, stop := d.tickerFunc(d.interval)
	defer stop()

	logger.InfoContext(ctx, "Tick driver started", "interval", d.interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "Tick driver stopping")
			return
		case <-ticks:
			d.runTick(ctx)
		}
	}
}

func (d *Driver) runTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	defer cancel()

	result := d.tick(tickCtx)
	if result.Skipped {
		logging.FromContext(ctx).WarnContext(ctx, "Tick was skipped")
	}
}
