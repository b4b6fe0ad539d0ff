package processor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// fileInfo carries the metadata a download step learns about a task's
// media file, threaded through to whichever terminal update eventually
// fires (even a task that fails after a successful download should still
// have its file_name/file_size_bytes/file_duration recorded).
type fileInfo struct {
	downloadedPath string
	fileName       string
	sizeBytes      int64
	duration       float64
}

// processTask is _process_task_sync (spec.md §4.D steps a-g): conditional
// download, model handle acquisition, engine invocation, result
// normalization, and unconditional enqueue of the resulting update,
// cleanup, and callback work items. No error here is ever propagated to
// the caller — every failure path ends in a FAILED update instead.
func (p *Processor) processTask(ctx context.Context, t *task.Task) {
	var info fileInfo

	defer func() {
		if r := recover(); r != nil {
			p.failAndFinish(t, fmt.Errorf("panic in task pipeline: %v", r), 0, info)
		}
	}()

	workingPath := t.FilePath

	// a. conditional download
	if workingPath == "" {
		if t.FileURL == "" {
			p.failAndFinish(t, task.Invariant("task %d has neither file_path nor file_url", t.ID), 0, info)
			return
		}
		res, err := p.fetcher.Download(ctx, t.FileURL, t.Platform)
		if err != nil {
			p.failAndFinish(t, err, 0, info)
			return
		}
		workingPath = res.Path
		info = fileInfo{
			downloadedPath: res.Path,
			fileName:       res.FileName,
			sizeBytes:      res.SizeBytes,
			duration:       res.Duration,
		}
	}

	eng, err := p.engines.Get(t.EngineName)
	if err != nil {
		p.failAndFinish(t, err, 0, info)
		return
	}

	// b. acquire model handle (blocks up to AcquireTimeout)
	handle, err := p.pool.Acquire(ctx, p.cfg.AcquireTimeout, p.cfg.AcquireStrategy)
	if err != nil {
		p.failAndFinish(t, err, 0, info)
		return
	}
	defer p.pool.Release(handle)

	// c. record task_start_time, invoke engine, normalize result
	start := time.Now()
	result, language, err := eng.Transcribe(ctx, handle, workingPath, t.TaskType, t.DecodeOptions)
	// d. compute task_processing_time
	elapsed := time.Since(start).Seconds()

	if err != nil {
		// e. enqueue FAILED update on any exception, never propagated
		p.failAndFinish(t, err, elapsed, info)
		return
	}

	// f. enqueue COMPLETED update
	p.completeAndFinish(t, result, language, elapsed, info)
}

func (p *Processor) failAndFinish(t *task.Task, cause error, elapsed float64, info fileInfo) {
	status := task.StatusFailed
	msg := cause.Error()
	update := task.Update{
		Status:       &status,
		ErrorMessage: &msg,
	}
	applyFileInfo(&update, info)
	if elapsed > 0 {
		update.TaskProcessingTime = &elapsed
	}

	p.logger.Warnf("task %d failed: %v", t.ID, cause)
	p.finish(t, update, "", "", info)
}

func (p *Processor) completeAndFinish(t *task.Task, result *task.Result, language string, elapsed float64, info fileInfo) {
	status := task.StatusCompleted
	update := task.Update{
		Status:             &status,
		Language:           &language,
		Result:             result,
		TaskProcessingTime: &elapsed,
	}
	applyFileInfo(&update, info)

	p.finish(t, update, result.Text, language, info)
}

// finish enqueues the three unconditional work items of step g: the
// update, the cleanup of any file this task downloaded, and the callback
// dispatch. Always runs regardless of which branch above produced update.
func (p *Processor) finish(t *task.Task, update task.Update, indexText, indexLanguage string, info fileInfo) {
	p.updateQueue <- updateJob{
		id:            t.ID,
		update:        update,
		indexText:     indexText,
		indexLanguage: indexLanguage,
	}
	p.cleanupQueue <- cleanupJob{path: info.downloadedPath}
	p.callbackQueue <- t
}

func applyFileInfo(update *task.Update, info fileInfo) {
	if info.downloadedPath == "" {
		return
	}
	path := info.downloadedPath
	name := info.fileName
	size := info.sizeBytes
	duration := info.duration
	update.FilePath = &path
	update.FileName = &name
	update.FileSizeBytes = &size
	update.FileDuration = &duration
}

// removeFile deletes a downloaded temp file; a missing file is not an
// error (another worker or a prior crash-recovery pass may already have
// removed it).
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
