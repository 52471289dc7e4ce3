package observability

import (
	"context"
	"time"
)

// NoopRecorder is a Recorder that discards all observations.
type NoopRecorder struct{}

func (NoopRecorder) RecordStage(context.Context, string, string, time.Duration, error) {}
func (NoopRecorder) RecordEntities(context.Context, string, int64)                     {}
func (NoopRecorder) RecordEmbeddingBatch(context.Context, string, int64)               {}
func (NoopRecorder) RecordRetry(context.Context, string, string)                       {}
func (NoopRecorder) RecordDeadLetter(context.Context, string, string, string)          {}
func (NoopRecorder) RecordCrawlerFetch(context.Context, string, time.Duration, error, bool) {
}

// Compile-time check that NoopRecorder implements Recorder.
var _ Recorder = NoopRecorder{}
