package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// submission is the normalized external submission shape spec.md §6
// defines, decoded from either a multipart form or a plain JSON body.
type submission struct {
	TaskType    string `json:"task_type"`
	Priority    string `json:"priority"`
	CallbackURL string `json:"callback_url"`
	Platform    string `json:"platform"`
	Language    string `json:"language"`
	EngineName  string `json:"engine_name"`
	FileURL     string `json:"file_url"`

	// DecodeOptions is forwarded verbatim to the engine; field names are
	// whatever the caller sent, validated only by the engine itself.
	DecodeOptions map[string]any `json:"decode_options"`
}

func defaultDecodeOptions() map[string]any {
	return map[string]any{
		"compression_ratio_threshold": 1.8,
		"no_speech_threshold":         0.6,
		"condition_on_previous_text":  true,
		"word_timestamps":             false,
		"clip_timestamps":             "0.0",
	}
}

func mergeDecodeOptions(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// handleCreate accepts either a multipart upload (field "file" plus the
// submission fields as form values) or a JSON body naming file_url, per
// SPEC_FULL.md §4.F. Exactly one of uploaded-file or file_url is valid.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	var (
		sub      submission
		uploaded io.ReadCloser
		filename string
	)

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.maxUploadBytes()); err != nil {
			sendError(w, http.StatusBadRequest, task.Input("parsing multipart form: %v", err))
			return
		}
		file, header, err := r.FormFile("file")
		if err == nil {
			uploaded = file
			filename = header.Filename
		}
		sub = submission{
			TaskType:    r.FormValue("task_type"),
			Priority:    r.FormValue("priority"),
			CallbackURL: r.FormValue("callback_url"),
			Platform:    r.FormValue("platform"),
			Language:    r.FormValue("language"),
			EngineName:  r.FormValue("engine_name"),
			FileURL:     r.FormValue("file_url"),
		}
		if raw := r.FormValue("decode_options"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &sub.DecodeOptions)
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil && err != io.EOF {
			sendError(w, http.StatusBadRequest, task.Input("decoding request body: %v", err))
			return
		}
	}
	if uploaded != nil {
		defer uploaded.Close()
	}

	if (uploaded == nil) == (sub.FileURL == "") {
		sendError(w, http.StatusBadRequest, task.Input("exactly one of uploaded file or file_url is required"))
		return
	}

	t, err := s.buildTask(sub)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	if uploaded != nil {
		if s.uploads == nil {
			sendError(w, http.StatusServiceUnavailable, task.NewError(task.CodeStoreUnavailable, "uploads are not accepted by this ingress instance", nil))
			return
		}
		saved, err := s.uploads.Save(r.Context(), uploaded, filename)
		if err != nil {
			sendError(w, http.StatusBadRequest, err)
			return
		}
		t.FilePath = saved.Path
		t.FileName = saved.FileName
		t.FileSizeBytes = saved.SizeBytes
		t.FileDuration = saved.Duration
	}

	id, err := s.store.Create(r.Context(), t)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	t.ID = id
	// output_url is derived, not persisted: it just points back at this
	// same task's GET endpoint for a caller that only kept the response.
	t.OutputURL = outputURL(r, id)

	sendJSON(w, http.StatusAccepted, t)
}

func (s *Server) maxUploadBytes() int64 {
	if s.maxUpload > 0 {
		return s.maxUpload
	}
	return 2 << 30
}

func outputURL(r *http.Request, id int64) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/tasks/" + strconv.FormatInt(id, 10)
}

// buildTask normalizes a submission into a QUEUED task.Task, applying
// spec.md §6's defaults and validating task_type/priority.
func (s *Server) buildTask(sub submission) (*task.Task, error) {
	taskType := task.Type(sub.TaskType)
	if taskType == "" {
		taskType = task.TypeTranscribe
	}
	if !taskType.Valid() {
		return nil, task.Input("invalid task_type %q", sub.TaskType)
	}

	priority := task.Priority(sub.Priority)
	if priority == "" {
		priority = task.PriorityNormal
	}
	if !priority.Valid() {
		return nil, task.Input("invalid priority %q", sub.Priority)
	}

	return &task.Task{
		Status:        task.StatusQueued,
		Priority:      priority,
		TaskType:      taskType,
		EngineName:    sub.EngineName,
		FileURL:       sub.FileURL,
		Platform:      sub.Platform,
		Language:      sub.Language,
		CallbackURL:   sub.CallbackURL,
		DecodeOptions: mergeDecodeOptions(defaultDecodeOptions(), sub.DecodeOptions),
	}, nil
}
