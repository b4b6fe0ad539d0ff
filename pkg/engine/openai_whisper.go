package engine

import (
	"context"
	"fmt"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// OpenAIWhisperModel is the native binding an enginepool.Factory produces
// for the "openai_whisper" engine: a single blocking call returning
// segments and a detected language, with no separate info object.
type OpenAIWhisperModel interface {
	Transcribe(path, taskType string, options map[string]any) (segments []OpenAIWhisperSegment, language string, err error)
}

// OpenAIWhisperSegment mirrors the nested product type the real engine
// returns per segment before normalization.
type OpenAIWhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type openAIWhisperEngine struct{}

// NewOpenAIWhisper returns the Engine adapter for "openai_whisper".
func NewOpenAIWhisper() Engine {
	return openAIWhisperEngine{}
}

func (openAIWhisperEngine) Name() string { return "openai_whisper" }

func (openAIWhisperEngine) Transcribe(ctx context.Context, handle any, path string, taskType task.Type, decodeOptions map[string]any) (*task.Result, string, error) {
	model, ok := handle.(OpenAIWhisperModel)
	if !ok {
		return nil, "", task.Invariant("openai_whisper: handle does not implement OpenAIWhisperModel")
	}

	segments, language, err := model.Transcribe(path, string(taskType), decodeOptions)
	if err != nil {
		return nil, "", task.Engine(fmt.Errorf("openai_whisper: %w", err))
	}

	plainSegments := make([]any, len(segments))
	for i, seg := range segments {
		plainSegments[i] = task.ToPlain(seg)
	}

	result := &task.Result{
		Text:     joinSegmentText(plainSegments),
		Segments: plainSegments,
		Info:     map[string]any{},
	}
	return result, language, nil
}
