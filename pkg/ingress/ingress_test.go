package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
	"github.com/speechqueue/transcribeq/pkg/tempstore"
)

// fakeStore is a minimal in-memory task.Store, the same shape
// pkg/processor and pkg/callback's tests use.
type fakeStore struct {
	mu     sync.Mutex
	tasks  map[int64]*task.Task
	nextID int64
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: make(map[int64]*task.Task)} }

func (s *fakeStore) Create(ctx context.Context, t *task.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	cp := *t
	s.tasks[t.ID] = &cp
	return t.ID, nil
}

func (s *fakeStore) Get(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) ClaimQueued(ctx context.Context, n int) ([]*task.Task, error) { return nil, nil }

func (s *fakeStore) Update(ctx context.Context, id int64, u task.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	return ok, nil
}

func (s *fakeStore) Query(ctx context.Context, filter task.QueryFilter) (*task.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return &task.QueryResult{Tasks: out, TotalCount: len(out)}, nil
}

func (s *fakeStore) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	return nil
}

func (s *fakeStore) Close() {}

// setStatus directly mutates a task's status, simulating the processor
// advancing it outside of the ingress server's own view.
func (s *fakeStore) setStatus(id int64, status task.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = status
}

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ErrorLevel
	return logging.NewLogger(cfg)
}

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	store := newFakeStore()
	up, err := tempstore.New(tempstore.Config{Dir: t.TempDir()}, nil, testLogger())
	require.NoError(t, err)
	return New(store, up, 0, testLogger()), store
}

func TestCreateRequiresExactlyOneSource(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateWithFileURLReturns202(t *testing.T) {
	s, store := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body := `{"file_url": "https://example.com/clip.mp3", "priority": "high"}`
	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.True(t, got.Success)

	require.Len(t, store.tasks, 1)
}

func TestCreateWithMultipartUpload(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.wav")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake wav data"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("task_type", "translate"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/tasks", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var got APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.True(t, got.Success)
}

func TestGetReturnsStatusCodeByTaskState(t *testing.T) {
	s, store := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	id, err := store.Create(context.Background(), &task.Task{
		Status: task.StatusQueued, Priority: task.PriorityNormal, TaskType: task.TypeTranscribe, FileURL: "https://x/y.mp3",
	})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/tasks/" + strconv.FormatInt(id, 10))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	store.setStatus(id, task.StatusCompleted)
	resp, err = http.Get(srv.URL + "/tasks/" + strconv.FormatInt(id, 10))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	store.setStatus(id, task.StatusFailed)
	resp, err = http.Get(srv.URL + "/tasks/" + strconv.FormatInt(id, 10))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteTask(t *testing.T) {
	s, store := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	id, err := store.Create(context.Background(), &task.Task{
		Status: task.StatusQueued, Priority: task.PriorityNormal, TaskType: task.TypeTranscribe, FileURL: "https://x/y.mp3",
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/"+strconv.FormatInt(id, 10), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/tasks/"+strconv.FormatInt(id, 10), nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchStreamsStatusUntilTerminal(t *testing.T) {
	s, store := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	id, err := store.Create(context.Background(), &task.Task{
		Status: task.StatusQueued, Priority: task.PriorityNormal, TaskType: task.TypeTranscribe, FileURL: "https://x/y.mp3",
	})
	require.NoError(t, err)

	wsURL := "ws" + srv.URL[len("http"):] + "/tasks/" + strconv.FormatInt(id, 10) + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first APIResponse
	require.NoError(t, conn.ReadJSON(&first))
	require.True(t, first.Success)

	time.AfterFunc(50*time.Millisecond, func() { store.setStatus(id, task.StatusCompleted) })

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg APIResponse
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		data, _ := json.Marshal(msg.Data)
		var got task.Task
		require.NoError(t, json.Unmarshal(data, &got))
		if got.Status == task.StatusCompleted {
			break
		}
	}
}
