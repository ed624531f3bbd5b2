package stream

import (
	"context"
	"errors"
	"time"

	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

// DefaultSendTimeout bounds the time spent delivering one event to an
// external sink.
const DefaultSendTimeout = 2 * time.Second

// Fanout delivers each event to every sink in order. Each Send is bounded by
// a timeout; failures are logged and never returned, so a broken transport
// cannot stall or fail a run.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  telemetry.Logger
}

// NewFanout returns a Fanout over sinks. A nil logger discards errors.
func NewFanout(logger telemetry.Logger, timeout time.Duration, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Fanout{sinks: sinks, timeout: timeout, logger: logger}
}

// Send delivers ev to every sink and always returns nil.
func (f *Fanout) Send(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		if err := s.Send(sctx, ev); err != nil {
			f.logger.Warn(ctx, "stream delivery failed", "run_id", ev.RunID, "type", string(ev.Type), "err", err)
		}
		cancel()
	}
	return nil
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
