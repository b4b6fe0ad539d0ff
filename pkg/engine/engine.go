// Package engine adapts the black-box speech-recognition engines the
// Task Processor invokes (spec.md §4.D step c) to a single uniform
// interface, normalizing each engine's distinct return shape into
// task.Result via task.ToPlain.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// Engine transcribes a local media file on a model handle acquired from
// the enginepool. Implementations must be safe to call concurrently with
// different handles, but a single handle is never used by two calls at
// once (the Model Pool's Acquire contract enforces this).
//
// language is returned separately from result because it belongs on
// Task.Language, not inside the result tree; result.Info carries whatever
// else the engine reported (empty for openai_whisper, populated for
// faster_whisper).
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, handle any, path string, taskType task.Type, decodeOptions map[string]any) (result *task.Result, language string, err error)
}

// Registry resolves an engine_name to its Engine implementation. "Other
// engines: fail fatally" (spec.md §4.D.c) is exactly what a lookup miss
// on Registry.Get does.
type Registry map[string]Engine

// Get returns the engine registered under name, or an error classifying
// it as an engine fault — unknown engine names are never retried.
func (r Registry) Get(name string) (Engine, error) {
	e, ok := r[name]
	if !ok {
		return nil, task.Engine(fmt.Errorf("unknown engine %q", name))
	}
	return e, nil
}

// segmentText extracts "text" from a normalized segment map as-is (no
// per-segment trimming); joinSegmentText concatenates these values.
func segmentText(seg any) string {
	m, ok := seg.(map[string]any)
	if !ok {
		return ""
	}
	text, _ := m["text"].(string)
	return text
}

// joinSegmentText builds result.text as the trimmed concatenation of every
// segment's text, the invariant spec.md §8 checks.
func joinSegmentText(segments []any) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(segmentText(seg))
	}
	return strings.TrimSpace(b.String())
}
