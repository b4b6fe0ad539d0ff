package engine

import (
	"context"
	"fmt"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// FasterWhisperModel is the native binding for the "faster_whisper"
// engine: it returns a segment iterator (materialized here into a slice,
// spec.md §4.D.c) plus a separate transcription-info object.
type FasterWhisperModel interface {
	Transcribe(path, taskType string, options map[string]any) (segments FasterWhisperSegmentIterator, info FasterWhisperInfo, err error)
}

// FasterWhisperSegmentIterator yields segments one at a time, mirroring
// the real engine's lazy iterator; Next returns ok=false once exhausted.
type FasterWhisperSegmentIterator interface {
	Next() (FasterWhisperSegment, bool)
}

type FasterWhisperSegment struct {
	ID               int     `json:"id"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	AvgLogProb       float64 `json:"avg_logprob"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
}

// FasterWhisperInfo mirrors the TranscriptionInfo nested product type.
type FasterWhisperInfo struct {
	Language         string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration         float64 `json:"duration"`
}

type fasterWhisperEngine struct{}

// NewFasterWhisper returns the Engine adapter for "faster_whisper".
func NewFasterWhisper() Engine {
	return fasterWhisperEngine{}
}

func (fasterWhisperEngine) Name() string { return "faster_whisper" }

func (fasterWhisperEngine) Transcribe(ctx context.Context, handle any, path string, taskType task.Type, decodeOptions map[string]any) (*task.Result, string, error) {
	model, ok := handle.(FasterWhisperModel)
	if !ok {
		return nil, "", task.Invariant("faster_whisper: handle does not implement FasterWhisperModel")
	}

	iter, info, err := model.Transcribe(path, string(taskType), decodeOptions)
	if err != nil {
		return nil, "", task.Engine(fmt.Errorf("faster_whisper: %w", err))
	}

	var plainSegments []any
	for {
		seg, ok := iter.Next()
		if !ok {
			break
		}
		plainSegments = append(plainSegments, task.ToPlain(seg))
	}
	if plainSegments == nil {
		plainSegments = []any{}
	}

	result := &task.Result{
		Text:     joinSegmentText(plainSegments),
		Segments: plainSegments,
		Info:     task.ToPlain(info).(map[string]any),
	}
	return result, info.Language, nil
}
