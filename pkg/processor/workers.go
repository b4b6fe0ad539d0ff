package processor

import (
	"context"
	"time"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// runFetchWorker polls the Store for QUEUED tasks whenever the processing
// pipeline has spare capacity, pushing whatever it claims onto
// processingQueue. It never schedules work itself — spec.md's
// back-pressure rule lives here, not in the processing worker.
func (p *Processor) runFetchWorker(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StatusCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		available := cap(p.sem) - len(p.sem)
		if available <= 0 {
			continue
		}

		batch, err := p.store.ClaimQueued(ctx, available)
		if err != nil {
			p.logger.Warnf("claim_queued failed: %v", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		select {
		case p.processingQueue <- batch:
		case <-p.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runProcessingWorker drains processingQueue and schedules one
// _process_task_sync goroutine per claimed task, gated by the semaphore
// that enforces max_concurrent_tasks. It stops handing out new work as
// soon as shutdown is signaled, but never cancels work already scheduled.
func (p *Processor) runProcessingWorker(ctx context.Context) {
	defer p.wg.Done()

	for batch := range p.processingQueue {
		for _, t := range batch {
			select {
			case p.sem <- struct{}{}:
			case <-p.shutdown:
				return
			case <-ctx.Done():
				return
			}

			p.taskWG.Add(1)
			go func(t *task.Task) {
				defer func() { <-p.sem }()
				defer p.taskWG.Done()
				p.processTask(ctx, t)
			}(t)
		}
	}
}

// runUpdateWorker is the single writer for every task-field mutation:
// spec.md requires update_queue to serialize writes per task, which a
// lone consumer goroutine gives for free.
func (p *Processor) runUpdateWorker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.updateQueue {
		if err := p.store.Update(ctx, job.id, job.update); err != nil {
			p.logger.Warnf("update failed for task %d: %v", job.id, err)
			continue
		}
		if p.index != nil && job.indexText != "" {
			if err := p.index.Index(job.id, job.indexText, job.indexLanguage); err != nil {
				p.logger.Warnf("search index update failed for task %d: %v", job.id, err)
			}
		}
	}
}

// runCleanupWorker deletes a task's downloaded temp file once the
// pipeline has finished with it, if cleanup is enabled.
func (p *Processor) runCleanupWorker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.cleanupQueue {
		if !p.cfg.CleanupEnabled || job.path == "" {
			continue
		}
		if err := removeFile(job.path); err != nil {
			p.logger.Warnf("cleanup failed for %s: %v", job.path, err)
		}
	}
}

// runCallbackWorker hands each terminal task to the Callback Dispatcher.
// A nil callbacks enqueuer (no callback package wired in) just drains the
// queue silently — the processor's own pipeline never depends on whether
// a callback is actually delivered.
func (p *Processor) runCallbackWorker(ctx context.Context) {
	defer p.wg.Done()

	for t := range p.callbackQueue {
		if p.callbacks == nil || t.CallbackURL == "" {
			continue
		}
		if err := p.callbacks.Enqueue(ctx, t); err != nil {
			p.logger.Warnf("callback enqueue failed for task %d: %v", t.ID, err)
		}
	}
}
