package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clerkhq/clerk/runtime/kit/telemetry"
)

const (
	// DefaultHistory is the number of events retained per run for replay.
	DefaultHistory = 512
	// DefaultBuffer is the per-subscriber live buffer.
	DefaultBuffer = 64
	// DefaultRetainedRuns bounds how many finished runs keep their history.
	DefaultRetainedRuns = 256
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream closed")

type (
	// Broker is an in-process Sink that fans events out to subscribers of
	// each run. Send never blocks.
	Broker struct {
		mu       sync.Mutex
		runs     map[string]*runLog
		finished []string
		history  int
		buffer   int
		retain   int
		closed   bool
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// BrokerOption configures a Broker.
	BrokerOption func(*Broker)

	// Subscription receives the events of one run.
	Subscription struct {
		runID string
		b     *Broker
		ch    chan Event
		quit  chan struct{}
		mu    sync.Mutex
		done  bool
		lost  int
	}

	runLog struct {
		seq      int64
		events   []Event
		subs     map[*Subscription]struct{}
		finished bool
	}
)

// WithHistory sets the per-run replay history size.
func WithHistory(n int) BrokerOption { return func(b *Broker) { b.history = n } }

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) BrokerOption { return func(b *Broker) { b.buffer = n } }

// WithRetainedRuns sets how many finished runs keep their history.
func WithRetainedRuns(n int) BrokerOption { return func(b *Broker) { b.retain = n } }

// WithMetrics records dropped events.
func WithMetrics(m telemetry.Metrics) BrokerOption { return func(b *Broker) { b.metrics = m } }

// NewBroker returns an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		runs:    make(map[string]*runLog),
		history: DefaultHistory,
		buffer:  DefaultBuffer,
		retain:  DefaultRetainedRuns,
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Send assigns the next sequence number of the run, records ev in the run
// history and delivers it to current subscribers. A done event finishes the
// run: subscribers receive it and their channels are closed. A later start
// event (resume) reopens the run.
func (b *Broker) Send(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	rl := b.runs[ev.RunID]
	if rl == nil {
		rl = &runLog{subs: make(map[*Subscription]struct{})}
		b.runs[ev.RunID] = rl
	}
	if rl.finished && ev.Type == EventStart {
		rl.finished = false
		b.unfinish(ev.RunID)
	}
	rl.seq++
	ev.Seq = rl.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	rl.events = append(rl.events, ev)
	if over := len(rl.events) - b.history; over > 0 {
		rl.events = append(rl.events[:0:0], rl.events[over:]...)
	}
	for sub := range rl.subs {
		if !sub.deliver(ev) {
			b.metrics.IncCounter(telemetry.MetricStreamDropped, 1, "run_id", ev.RunID)
		}
	}
	if ev.Terminal() {
		rl.finished = true
		for sub := range rl.subs {
			sub.close()
		}
		rl.subs = make(map[*Subscription]struct{})
		b.finished = append(b.finished, ev.RunID)
		b.evict()
	}
	return nil
}

// Subscribe returns a subscription that first replays the retained history
// of runID, then receives live events. For a finished run the channel is
// closed after the replay. The subscription ends when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	rl := b.runs[runID]
	if rl == nil {
		rl = &runLog{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = rl
	}
	sub := &Subscription{
		runID: runID,
		b:     b,
		ch:    make(chan Event, len(rl.events)+b.buffer),
		quit:  make(chan struct{}),
	}
	for _, ev := range rl.events {
		sub.ch <- ev
	}
	if rl.finished || b.closed {
		sub.close()
		return sub
	}
	rl.subs[sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.quit:
		}
	}()
	return sub
}

// History returns a copy of the retained events of runID.
func (b *Broker) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	rl := b.runs[runID]
	if rl == nil {
		return nil
	}
	return append([]Event(nil), rl.events...)
}

// Close closes every subscription. Subsequent Sends fail with ErrClosed.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, rl := range b.runs {
		for sub := range rl.subs {
			sub.close()
		}
		rl.subs = nil
	}
	return nil
}

// evict drops the history of the oldest finished runs beyond the retention
// bound. Caller holds b.mu.
func (b *Broker) evict() {
	for len(b.finished) > b.retain {
		id := b.finished[0]
		b.finished = b.finished[1:]
		if rl := b.runs[id]; rl != nil && rl.finished && len(rl.subs) == 0 {
			delete(b.runs, id)
		}
	}
}

// unfinish removes runID from the finished list. Caller holds b.mu.
func (b *Broker) unfinish(runID string) {
	for i, id := range b.finished {
		if id == runID {
			b.finished = append(b.finished[:i], b.finished[i+1:]...)
			return
		}
	}
}

// C returns the event channel. It is closed when the run finishes, the
// subscription is closed or the broker shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

// Close detaches the subscription. A run that never received an event is
// forgotten once its last subscriber leaves.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if rl := s.b.runs[s.runID]; rl != nil && rl.subs != nil {
		delete(rl.subs, s)
		if len(rl.subs) == 0 && len(rl.events) == 0 {
			delete(s.b.runs, s.runID)
		}
	}
	s.b.mu.Unlock()
	s.close()
}

// deliver enqueues ev, discarding the oldest buffered event when full. It
// reports false when an event was discarded.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.lost++
	select {
	case s.ch <- ev:
	default:
	}
	return false
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	close(s.quit)
}
