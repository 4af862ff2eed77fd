package sse_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
)

func startBroker(t *testing.T, opts ...sse.BrokerOption) sse.Broker {
	t.Helper()

	b := sse.NewBroker(infralogger.NewNop(), opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func receive(t *testing.T, events <-chan sse.Event) sse.Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return sse.Event{}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	first, cleanupFirst := b.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := b.Subscribe(ctx)
	defer cleanupSecond()

	require.NoError(t, b.Publish(ctx, sse.Event{Type: "execution:paused", Data: map[string]any{"id": "e1"}}))

	assert.Equal(t, "execution:paused", receive(t, first).Type)
	assert.Equal(t, "execution:paused", receive(t, second).Type)
	assert.Equal(t, 2, b.ClientCount())
}

func TestBroker_FilterSkipsEvents(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	onlyJobs := sse.WithFilter(func(ev sse.Event) bool { return ev.Type == "job:progress" })
	events, cleanup := b.Subscribe(ctx, onlyJobs)
	defer cleanup()

	require.NoError(t, b.Publish(ctx, sse.Event{Type: "execution:resumed"}))
	require.NoError(t, b.Publish(ctx, sse.Event{Type: "job:progress"}))

	assert.Equal(t, "job:progress", receive(t, events).Type)
}

func TestBroker_MaxClientsRejectsWithClosedChannel(t *testing.T) {
	b := startBroker(t, sse.WithMaxClients(1))
	ctx := context.Background()

	_, cleanup := b.Subscribe(ctx)
	defer cleanup()

	rejected, _ := b.Subscribe(ctx)
	_, ok := <-rejected
	assert.False(t, ok)
	assert.Equal(t, 1, b.ClientCount())
}

func TestBroker_SlowClientIsEvicted(t *testing.T) {
	b := startBroker(t, sse.WithClientBufferSize(2))
	ctx := context.Background()

	_, cleanup := b.Subscribe(ctx)
	defer cleanup()

	for range 10 {
		_ = b.Publish(ctx, sse.Event{Type: "flood"})
	}

	assert.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroker_PublishFullBufferReturnsError(t *testing.T) {
	// Not started: nothing drains the inbound buffer.
	b := sse.NewBroker(infralogger.NewNop(), sse.WithEventBufferSize(1))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, sse.Event{Type: "a"}))
	assert.Error(t, b.Publish(ctx, sse.Event{Type: "b"}))
}

func TestBroker_ConcurrentPublish(t *testing.T) {
	b := startBroker(t, sse.WithClientBufferSize(500))
	ctx := context.Background()

	events, cleanup := b.Subscribe(ctx)
	defer cleanup()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for range 10 {
				_ = b.Publish(ctx, sse.Event{Type: "job:progress", Data: n})
			}
		}(i)
	}
	wg.Wait()

	for range 100 {
		receive(t, events)
	}
}

func TestBroker_StopClosesSubscribers(t *testing.T) {
	b := sse.NewBroker(infralogger.NewNop())
	require.NoError(t, b.Start(context.Background()))

	events, _ := b.Subscribe(context.Background())
	require.NoError(t, b.Stop())

	_, ok := <-events
	assert.False(t, ok)
}

func TestWriteEvent_Format(t *testing.T) {
	var buf bytes.Buffer

	err := sse.WriteEvent(&buf, sse.Event{Type: "execution:stopped", ID: "7", Data: map[string]string{"reason": "manual"}})
	require.NoError(t, err)

	assert.Equal(t, "event: execution:stopped\nid: 7\ndata: {\"reason\":\"manual\"}\n\n", buf.String())
}
