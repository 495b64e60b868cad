// Package events provides the shared server-sent-event substrate: a
// mutex-guarded publisher fanning out to bounded per-subscriber queues, with
// a per-source ring buffer for replay to late subscribers.
//
// Every endpoint that streams progress or logs publishes through one Broker.
// The publisher never blocks: a subscriber that cannot keep up has its oldest
// queued events dropped and receives an "overflow" marker so the client can
// detect the gap and resynchronize.
package events

import "time"

// Kind classifies an event record.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
	KindLog       Kind = "log"
	KindHeartbeat Kind = "heartbeat"

	// KindOverflow marks a gap in a subscriber's stream after queue overflow.
	// It is synthesized per subscriber and never enters the ring buffer.
	KindOverflow Kind = "overflow"
)

// Event is a single record in a stream. ID is monotonic per broker.
type Event struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Well-known source tags. Run streams use RunSource(runID).
const (
	SourceLogs      = "logs"
	SourceIngest    = "ingest"
	SourceProvision = "provision"
)

// RunSource returns the source tag for a single alert run's event stream.
// Format: "run:{run_id}"
func RunSource(runID string) string {
	return "run:" + runID
}

// UploadSource returns the source tag for one upload's progress stream.
// Format: "upload:{upload_id}"
func UploadSource(uploadID string) string {
	return "upload:" + uploadID
}
