package events

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
)

// WriteSSE drains ch to w as server-sent events until the channel closes or
// done is signalled (client disconnect). A heartbeat frame is written after
// heartbeat of idleness to keep intermediaries from timing out the stream.
//
// The event's Kind becomes the SSE event name; the payload is the JSON data.
// The monotonic event ID is carried as the SSE id field so clients can
// resume via Last-Event-ID against Tail.
//
// flush is called after every frame; pass the ResponseWriter's Flush.
func WriteSSE(w io.Writer, flush func(), ch <-chan Event, done <-chan struct{}, heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flush()
			ticker.Reset(heartbeat)
		case <-ticker.C:
			hb := sse.Event{Event: string(KindHeartbeat), Data: map[string]any{}}
			if err := sse.Encode(w, hb); err != nil {
				return
			}
			flush()
		}
	}
}

func writeEvent(w io.Writer, evt Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sse.Encode(w, sse.Event{
		Id:    strconv.FormatUint(evt.ID, 10),
		Event: string(evt.Kind),
		Data:  json.RawMessage(data),
	})
}
