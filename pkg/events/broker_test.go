package events

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishAndSubscribe(t *testing.T) {
	b := NewBroker(10, 16)
	ch, cancel := b.Subscribe("upload:1")
	defer cancel()

	b.Publish("upload:1", KindProgress, map[string]any{"step": "extract", "pct": 10})

	evt := <-ch
	assert.Equal(t, "upload:1", evt.Source)
	assert.Equal(t, KindProgress, evt.Kind)
	assert.Equal(t, "extract", evt.Payload["step"])
	assert.NotZero(t, evt.ID)
}

func TestBroker_FilterBySource(t *testing.T) {
	b := NewBroker(10, 16)
	ch, cancel := b.Subscribe("run:a")
	defer cancel()

	b.Publish("run:b", KindProgress, nil)
	b.Publish("run:a", KindProgress, map[string]any{"n": 1})

	evt := <-ch
	assert.Equal(t, "run:a", evt.Source)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_MonotonicOrdering(t *testing.T) {
	b := NewBroker(100, 64)
	ch, cancel := b.Subscribe("run:x")
	defer cancel()

	for i := 0; i < 20; i++ {
		b.Publish("run:x", KindProgress, map[string]any{"i": i})
	}

	var last uint64
	for i := 0; i < 20; i++ {
		evt := <-ch
		assert.Greater(t, evt.ID, last, "event IDs must be strictly increasing")
		last = evt.ID
	}
}

func TestBroker_TailReplayOnSubscribe(t *testing.T) {
	b := NewBroker(5, 16)
	for i := 0; i < 8; i++ {
		b.Publish("ingest", KindProgress, map[string]any{"i": i})
	}

	// Ring holds the 5 most recent; a late subscriber sees exactly those.
	ch, cancel := b.Subscribe("ingest")
	defer cancel()

	for want := 3; want < 8; want++ {
		evt := <-ch
		// JSON round-tripping has not happened; payload ints are ints.
		assert.Equal(t, want, evt.Payload["i"])
	}
}

func TestBroker_Tail_IsCopy(t *testing.T) {
	b := NewBroker(10, 16)
	b.Publish("logs", KindLog, map[string]any{"message": "hello"})

	tail := b.Tail("logs")
	require.Len(t, tail, 1)
	tail[0].Source = "mutated"

	again := b.Tail("logs")
	assert.Equal(t, "logs", again[0].Source)
}

func TestBroker_OverflowMarkerAndNoBlocking(t *testing.T) {
	b := NewBroker(100, 4)
	ch, cancel := b.Subscribe("run:slow")
	defer cancel()

	// Publish far more than the queue holds; Publish must never block even
	// though nothing is draining the subscriber.
	published := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("run:slow", KindProgress, map[string]any{"i": i})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// Drain: an overflow marker must appear, and events after it stay ordered.
	var kinds []Kind
	var lastID uint64
	for {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
			assert.GreaterOrEqual(t, evt.ID, lastID)
			lastID = evt.ID
		default:
			goto done
		}
	}
done:
	assert.Contains(t, kinds, KindOverflow)
}

func TestBroker_CompleteClosesExclusiveSubscriber(t *testing.T) {
	b := NewBroker(10, 16)
	runCh, _ := b.Subscribe("run:1")
	fireCh, fireCancel := b.Subscribe() // firehose: all sources
	defer fireCancel()

	b.Complete("run:1", map[string]any{"steps": 4})

	evt := <-runCh
	assert.Equal(t, KindComplete, evt.Kind)

	_, open := <-runCh
	assert.False(t, open, "exclusive subscriber channel should be closed after terminal event")

	// The firehose stays open and also saw the event.
	evt = <-fireCh
	assert.Equal(t, KindComplete, evt.Kind)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroker_LateSubscriberToFinishedSourceClosesAfterReplay(t *testing.T) {
	b := NewBroker(10, 16)
	b.Publish("run:1", KindProgress, map[string]any{"i": 1})
	b.Complete("run:1", map[string]any{"steps": 4})

	// Subscribing after the terminal event replays the tail, then closes.
	ch, cancel := b.Subscribe("run:1")
	defer cancel()

	var kinds []Kind
	for evt := range ch {
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []Kind{KindProgress, KindComplete}, kinds)

	// A firehose subscriber is unaffected by the source being finished.
	_, fireCancel := b.Subscribe()
	defer fireCancel()
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroker_FailEmitsErrorEvent(t *testing.T) {
	b := NewBroker(10, 16)
	ch, _ := b.Subscribe("upload:9")

	b.Fail("upload:9", "schema manifest missing")

	evt := <-ch
	assert.Equal(t, KindError, evt.Kind)
	assert.Equal(t, "schema manifest missing", evt.Payload["error"])
}

func TestBroker_CancelIsIdempotent(t *testing.T) {
	b := NewBroker(10, 16)
	_, cancel := b.Subscribe("run:1")
	cancel()
	cancel()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroker_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroker(50, 64)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("ingest", KindProgress, map[string]any{"j": j})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe("ingest")
			defer cancel()
			select {
			case <-ch:
			case <-time.After(time.Second):
			}
		}()
	}
	wg.Wait()

	assert.Len(t, b.Tail("ingest"), 50)
}

func TestWriteSSE_EncodesFrames(t *testing.T) {
	b := NewBroker(10, 16)
	ch, cancel := b.Subscribe("upload:1")

	b.Publish("upload:1", KindProgress, map[string]any{"step": "creating_graph", "pct": 42})
	cancel() // closes ch after the buffered event

	var buf bytes.Buffer
	done := make(chan struct{})
	WriteSSE(&buf, func() {}, ch, done, time.Minute)

	out := buf.String()
	assert.Contains(t, out, "event:progress")
	assert.Contains(t, out, `"step":"creating_graph"`)
	assert.Contains(t, out, `"pct":42`)
}

func TestWriteSSE_HeartbeatWhenIdle(t *testing.T) {
	ch := make(chan Event)
	var buf bytes.Buffer
	done := make(chan struct{})

	go func() {
		time.Sleep(80 * time.Millisecond)
		close(ch)
	}()
	WriteSSE(&buf, func() {}, ch, done, 20*time.Millisecond)

	scanner := bufio.NewScanner(&buf)
	heartbeats := 0
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "event:heartbeat") {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 2)
}

func TestLogHandler_MirrorsToBroker(t *testing.T) {
	b := NewBroker(10, 16)
	ch, cancel := b.Subscribe(SourceLogs)
	defer cancel()

	logger := newTestLogger(b)
	logger.Info("query executed", "backend", "mock", "rows", 3)

	evt := <-ch
	assert.Equal(t, KindLog, evt.Kind)
	assert.Equal(t, "query executed", evt.Payload["message"])
	assert.Equal(t, "mock", evt.Payload["backend"])
}
