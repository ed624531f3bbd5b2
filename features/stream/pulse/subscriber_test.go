package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/clerkhq/clerk/features/redistest"
	clientspulse "github.com/clerkhq/clerk/features/stream/pulse/clients/pulse"
	"github.com/clerkhq/clerk/runtime/kit/stream"
)

func entry(t *testing.T, id string, ev stream.Event) *streaming.Event {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return &streaming.Event{ID: id, EventName: string(ev.Type), Payload: body}
}

func collect(t *testing.T, events <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestSubscribeDecodesUntilDone(t *testing.T) {
	cli := newFakeClient()
	fs := &fakeSink{ch: make(chan *streaming.Event, 3)}
	str, _ := cli.Stream("clerk/run/r1")
	str.(*fakeStream).sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "r1")
	require.NoError(t, err)
	defer cancel()

	fs.ch <- entry(t, "1-0", stream.Event{Type: stream.EventStart, RunID: "r1", Payload: stream.StartPayload{TotalSteps: 2}})
	fs.ch <- entry(t, "2-0", stream.Event{Type: stream.EventDone, RunID: "r1", Payload: stream.DonePayload{Status: "completed", RunID: "r1"}})
	fs.ch <- entry(t, "3-0", stream.Event{Type: stream.EventStart, RunID: "r1"})

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, stream.StartPayload{TotalSteps: 2}, got[0].Payload)
	assert.Equal(t, stream.EventDone, got[1].Type)
	assert.Equal(t, []string{"1-0", "2-0"}, fs.acked)
	assert.NoError(t, <-errs)
}

func TestSubscribeReportsDecodeError(t *testing.T) {
	cli := newFakeClient()
	fs := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str, _ := cli.Stream("clerk/run/r2")
	str.(*fakeStream).sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "r2")
	require.NoError(t, err)
	defer cancel()

	fs.ch <- &streaming.Event{ID: "9-0", Payload: []byte(`{"type":"bogus"}`)}
	assert.Empty(t, collect(t, events))
	assert.ErrorContains(t, <-errs, "pulse entry 9-0")
}

func TestSubscribeReportsAckError(t *testing.T) {
	cli := newFakeClient()
	fs := &fakeSink{ch: make(chan *streaming.Event, 1), ackErr: errors.New("boom")}
	str, _ := cli.Stream("clerk/run/r3")
	str.(*fakeStream).sink = fs

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "r3")
	require.NoError(t, err)

	fs.ch <- entry(t, "1-0", stream.Event{Type: stream.EventWarning, RunID: "r3", Payload: stream.WarningPayload{Step: 1, Message: "x"}})
	assert.Len(t, collect(t, events), 1)
	assert.EqualError(t, <-errs, "pulse ack: boom")
	cancel()
	assert.True(t, fs.closed)
}

func TestRedisRoundTrip(t *testing.T) {
	rdb := redistest.Client(t)
	cli, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 100, OperationTimeout: 5 * time.Second})
	require.NoError(t, err)
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	ctx := context.Background()

	sent := []stream.Event{
		{Type: stream.EventStart, RunID: "redis-run", Payload: stream.StartPayload{TotalSteps: 1}},
		{Type: stream.EventStepStart, RunID: "redis-run", Payload: stream.StepStartPayload{Step: 1, OutputID: "a"}},
		{Type: stream.EventDone, RunID: "redis-run", Payload: stream.DonePayload{Status: "completed", RunID: "redis-run"}},
	}
	for _, ev := range sent {
		require.NoError(t, sink.Send(ctx, ev))
	}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, _, cancel, err := sub.Subscribe(ctx, "redis-run")
	require.NoError(t, err)
	defer cancel()

	got := collect(t, events)
	require.Len(t, got, 3)
	for i := range sent {
		assert.Equal(t, sent[i].Type, got[i].Type)
		assert.Equal(t, sent[i].Payload, got[i].Payload)
	}
	require.NoError(t, sink.Purge(ctx, "redis-run"))
}
