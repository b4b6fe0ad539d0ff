package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/speechqueue/transcribeq/pkg/task"
)

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("transcribeq_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, Config{ConnectionString: connStr, MaxConnections: 5})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func sampleTask() *task.Task {
	return &task.Task{
		Priority: task.PriorityNormal,
		TaskType: task.TypeTranscribe,
		FileURL:  "https://example.com/audio.mp3",
		Platform: "web",
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	in := sampleTask()
	id, err := store.Create(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, task.StatusQueued, in.Status)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, task.PriorityNormal, got.Priority)
	assert.Equal(t, "https://example.com/audio.mp3", got.FileURL)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	t.Run("neither file_path nor file_url", func(t *testing.T) {
		_, err := store.Create(ctx, &task.Task{
			Priority: task.PriorityNormal,
			TaskType: task.TypeTranscribe,
		})
		require.Error(t, err)
	})

	t.Run("both file_path and file_url", func(t *testing.T) {
		_, err := store.Create(ctx, &task.Task{
			Priority: task.PriorityNormal,
			TaskType: task.TypeTranscribe,
			FilePath: "/tmp/a.wav",
			FileURL:  "https://example.com/a.wav",
		})
		require.Error(t, err)
	})
}

func TestGetMissingReturnsNilNoError(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	got, err := store.Get(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimQueuedOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	low := sampleTask()
	low.Priority = task.PriorityLow
	lowID, err := store.Create(ctx, low)
	require.NoError(t, err)

	high := sampleTask()
	high.Priority = task.PriorityHigh
	highID, err := store.Create(ctx, high)
	require.NoError(t, err)

	normal := sampleTask()
	normal.Priority = task.PriorityNormal
	normalID, err := store.Create(ctx, normal)
	require.NoError(t, err)

	claimed, err := store.ClaimQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	var order []int64
	for _, c := range claimed {
		order = append(order, c.ID)
		assert.Equal(t, task.StatusProcessing, c.Status)
	}
	assert.Equal(t, []int64{highID, normalID, lowID}, order)
}

func TestClaimQueuedNeverReturnsSameRowTwice(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, sampleTask())
		require.NoError(t, err)
	}

	firstBatch, err := store.ClaimQueued(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, firstBatch, 3)

	secondBatch, err := store.ClaimQueued(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, secondBatch, 2)

	seen := map[int64]bool{}
	for _, c := range append(firstBatch, secondBatch...) {
		assert.False(t, seen[c.ID], "task %d claimed twice", c.ID)
		seen[c.ID] = true
	}
}

func TestUpdateAppliesPartialFieldsOnly(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	in := sampleTask()
	id, err := store.Create(ctx, in)
	require.NoError(t, err)

	completed := task.StatusCompleted
	result := &task.Result{Text: "hello world", Segments: []any{}, Info: map[string]any{"language": "en"}}
	err = store.Update(ctx, id, task.Update{Status: &completed, Result: result})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "hello world", got.Result.Text)
	assert.Equal(t, "https://example.com/audio.mp3", got.FileURL)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	id, err := store.Create(ctx, sampleTask())
	require.NoError(t, err)

	deleted, err := store.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)

	deletedAgain, err := store.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, deletedAgain)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordCallbackTruncatesMessage(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	id, err := store.Create(ctx, sampleTask())
	require.NoError(t, err)

	longMessage := make([]byte, task.MaxCallbackMessageLen+100)
	for i := range longMessage {
		longMessage[i] = 'x'
	}

	now := time.Now().UTC().Truncate(time.Second)
	err = store.RecordCallback(ctx, id, 200, string(longMessage), now)
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 200, got.CallbackStatusCode)
	assert.Len(t, got.CallbackMessage, task.MaxCallbackMessageLen)
	require.NotNil(t, got.CallbackTime)
}

func TestQueryFiltersByStatusAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, sampleTask())
		require.NoError(t, err)
	}
	claimed, err := store.ClaimQueued(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	result, err := store.Query(ctx, task.QueryFilter{Status: task.StatusQueued, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
	assert.Len(t, result.Tasks, 2)
	assert.True(t, result.HasMore)

	page2, err := store.Query(ctx, task.QueryFilter{Status: task.StatusQueued, Limit: 2, Offset: result.NextOffset})
	require.NoError(t, err)
	assert.Len(t, page2.Tasks, 1)
	assert.False(t, page2.HasMore)
}

func TestQueryTextSearchesCompletedResults(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t, ctx)

	id, err := store.Create(ctx, sampleTask())
	require.NoError(t, err)

	completed := task.StatusCompleted
	result := &task.Result{Text: "the quick brown fox", Segments: []any{}, Info: map[string]any{}}
	require.NoError(t, store.Update(ctx, id, task.Update{Status: &completed, Result: result}))

	found, err := store.Query(ctx, task.QueryFilter{Text: "brown fox"})
	require.NoError(t, err)
	require.Len(t, found.Tasks, 1)
	assert.Equal(t, id, found.Tasks[0].ID)

	notFound, err := store.Query(ctx, task.QueryFilter{Text: "nonexistent phrase"})
	require.NoError(t, err)
	assert.Empty(t, notFound.Tasks)
}
