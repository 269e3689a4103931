package pipeline

import (
	"encoding/json"
	"time"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// EntryKind classifies a conversation log entry.
type EntryKind string

const (
	EntrySummary EntryKind = "summary"
	EntryResult  EntryKind = "result"
	EntryError   EntryKind = "error"
)

// Entry is one message appended to the conversation log.
type Entry struct {
	ID      string          `json:"id"`
	Kind    EntryKind       `json:"kind"`
	Stage   stagetask.Stage `json:"stage"`
	Content string          `json:"content"`

	// Result is the execute stage's result_data, set for EntryResult.
	Result      json.RawMessage `json:"result,omitempty"`
	RelatedDocs []string        `json:"related_docs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Sink receives stage summaries and final results. Append is called
// synchronously, without controller locks held, and must not block for long.
// Entries caused by stream events are appended on the stream's delivery
// goroutine, so Append must not call the Controller's Cancel or Close.
type Sink interface {
	Append(Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Entry)

// Append calls f(e).
func (f SinkFunc) Append(e Entry) {
	f(e)
}

type discardSink struct{}

func (discardSink) Append(Entry) {}
