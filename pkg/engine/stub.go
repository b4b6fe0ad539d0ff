package engine

import (
	"context"

	"github.com/speechqueue/transcribeq/pkg/enginepool"
)

// stubHandle satisfies OpenAIWhisperModel without invoking any real
// speech-recognition model. The actual engine binding is an explicit
// non-goal (spec.md §1: "black-box capabilities with a fixed operation
// set"); NewStubFactory exists only so cmd/transcribe-worker has
// something concrete to plug into the Model Pool's Factory slot when no
// real binding is configured. A deployment that also needs
// "faster_whisper" handles would plug in its own Factory producing
// FasterWhisperModel-shaped handles instead; the Model Pool and
// Processor are agnostic to which one a handle satisfies.
type stubHandle struct{}

func (stubHandle) Transcribe(path, taskType string, options map[string]any) ([]OpenAIWhisperSegment, string, error) {
	return []OpenAIWhisperSegment{}, "", nil
}

// stubFactory builds stubHandle instances.
type stubFactory struct{}

// NewStubFactory returns an enginepool.Factory producing inert handles.
// Swap this for a real binding (subprocess, cgo, gRPC to a model server)
// once one exists; nothing downstream of enginepool.Factory needs to
// change to do so.
func NewStubFactory() enginepool.Factory {
	return stubFactory{}
}

func (stubFactory) NewHandle(ctx context.Context, device enginepool.Device) (any, error) {
	return stubHandle{}, nil
}

func (stubFactory) DestroyHandle(handle any) error { return nil }

func (stubFactory) HealthCheck(handle any) error { return nil }
