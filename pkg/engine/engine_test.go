package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speechqueue/transcribeq/pkg/task"
)

type fakeOpenAIModel struct {
	segments []OpenAIWhisperSegment
	language string
	err      error
}

func (m fakeOpenAIModel) Transcribe(path, taskType string, options map[string]any) ([]OpenAIWhisperSegment, string, error) {
	return m.segments, m.language, m.err
}

func TestOpenAIWhisperNormalizesSegments(t *testing.T) {
	e := NewOpenAIWhisper()
	model := fakeOpenAIModel{
		segments: []OpenAIWhisperSegment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello "},
			{ID: 1, Start: 1.5, End: 3, Text: "world"},
		},
		language: "en",
	}

	result, language, err := e.Transcribe(context.Background(), model, "/tmp/a.wav", task.TypeTranscribe, nil)
	require.NoError(t, err)
	assert.Equal(t, "en", language)
	assert.Equal(t, "hello world", result.Text)
	require.Len(t, result.Segments, 2)
	assert.Empty(t, result.Info)

	seg0 := result.Segments[0].(map[string]any)
	assert.Equal(t, "hello ", seg0["text"])
}

func TestOpenAIWhisperWrongHandleTypeIsInvariantError(t *testing.T) {
	e := NewOpenAIWhisper()
	_, _, err := e.Transcribe(context.Background(), "not a model", "/tmp/a.wav", task.TypeTranscribe, nil)
	require.Error(t, err)
	var terr *task.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, task.CodeInvariant, terr.Code)
}

func TestOpenAIWhisperEngineErrorIsClassified(t *testing.T) {
	e := NewOpenAIWhisper()
	model := fakeOpenAIModel{err: errors.New("boom")}

	_, _, err := e.Transcribe(context.Background(), model, "/tmp/a.wav", task.TypeTranscribe, nil)
	require.Error(t, err)
	var terr *task.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, task.CodeEngine, terr.Code)
}

type fakeSegmentIterator struct {
	segments []FasterWhisperSegment
	idx      int
}

func (it *fakeSegmentIterator) Next() (FasterWhisperSegment, bool) {
	if it.idx >= len(it.segments) {
		return FasterWhisperSegment{}, false
	}
	seg := it.segments[it.idx]
	it.idx++
	return seg, true
}

type fakeFasterWhisperModel struct {
	iter *fakeSegmentIterator
	info FasterWhisperInfo
}

func (m fakeFasterWhisperModel) Transcribe(path, taskType string, options map[string]any) (FasterWhisperSegmentIterator, FasterWhisperInfo, error) {
	return m.iter, m.info, nil
}

func TestFasterWhisperMaterializesIteratorAndInfo(t *testing.T) {
	e := NewFasterWhisper()
	model := fakeFasterWhisperModel{
		iter: &fakeSegmentIterator{segments: []FasterWhisperSegment{
			{ID: 0, Text: "the quick "},
			{ID: 1, Text: "brown fox"},
		}},
		info: FasterWhisperInfo{Language: "en", LanguageProbability: 0.98, Duration: 4.2},
	}

	result, language, err := e.Transcribe(context.Background(), model, "/tmp/a.wav", task.TypeTranscribe, nil)
	require.NoError(t, err)
	assert.Equal(t, "en", language)
	assert.Equal(t, "the quick brown fox", result.Text)
	assert.Equal(t, 0.98, result.Info["language_probability"])
}

func TestRegistryGetUnknownEngineFailsFatally(t *testing.T) {
	reg := Registry{"openai_whisper": NewOpenAIWhisper()}
	_, err := reg.Get("unknown_engine")
	require.Error(t, err)
	var terr *task.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, task.CodeEngine, terr.Code)
}
