package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
)

// Config governs dispatcher polling and delivery behavior.
type Config struct {
	PollInterval time.Duration
	BatchSize    int

	// RequestTimeout bounds a single POST attempt (connect + read).
	RequestTimeout time.Duration
	// MaxAttempts caps the retries within one notify(task) call
	// (spec.md §4.E retry semantics); RetryWait is the fixed wait
	// between attempts.
	MaxAttempts int
	RetryWait   time.Duration
	UserAgent   string
}

// DefaultConfig returns the spec's retry/timeout defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		BatchSize:      10,
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
		RetryWait:      2 * time.Second,
		UserAgent:      "transcribeq-callback/1",
	}
}

// Outbox is the durable queue a Dispatcher claims pending jobs from;
// *OutboxStore is the real PostgreSQL-backed implementation, satisfied
// here as an interface so tests can substitute an in-memory fake.
type Outbox interface {
	CreateJob(ctx context.Context, eventID string, taskID int64, payload []byte) error
	ClaimPending(ctx context.Context, n int) ([]*Job, error)
	MarkPublished(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, lastErr string) error
}

// Dispatcher is the Callback Dispatcher: it claims pending callback_jobs
// rows and delivers each one's task payload to the task's callback_url,
// always recording the authoritative outcome on the tasks row itself via
// Store.RecordCallback (spec.md §4.E step 5), regardless of delivery
// success.
type Dispatcher struct {
	outbox Outbox
	store  task.Store
	client *http.Client
	logger *logging.Logger
	cfg    Config

	breakers *circuitBreakerRegistry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Dispatcher. store is the Task Store the dispatcher reads
// task snapshots from and records callback outcomes on; the dispatcher
// uses whichever task.Store instance the caller passes
// (cmd/transcribe-worker passes the same Store its processor uses).
func New(outbox Outbox, store task.Store, logger *logging.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("callback")

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultConfig().RetryWait
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}

	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warnf("http2 transport configuration failed, continuing http/1.1 only: %v", err)
	}

	return &Dispatcher{
		outbox:   outbox,
		store:    store,
		client:   &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		logger:   logger,
		cfg:      cfg,
		breakers: newCircuitBreakerRegistry(),
		stop:     make(chan struct{}),
	}
}

// Enqueue implements processor.CallbackEnqueuer: it writes a pending
// callback_jobs row for t, skipping entirely when t has no callback_url
// (spec.md §4.E step 1).
func (d *Dispatcher) Enqueue(ctx context.Context, t *task.Task) error {
	if t.CallbackURL == "" {
		return nil
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("callback: marshaling task %d: %w", t.ID, err)
	}
	eventID := fmt.Sprintf("task-%d", t.ID)
	return d.outbox.CreateJob(ctx, eventID, t.ID, payload)
}

// Start launches the dispatcher's poll loop in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Shutdown stops the poll loop and waits for it to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stop) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := d.outbox.ClaimPending(ctx, d.cfg.BatchSize)
		if err != nil {
			d.logger.Warnf("claiming pending callback jobs: %v", err)
			continue
		}
		for _, j := range jobs {
			d.notify(ctx, j)
		}
	}
}

// notify is the Callback Dispatcher's notify(task) operation (spec.md
// §4.E): re-fetch the authoritative task snapshot, POST it, persist the
// outcome on the tasks row, then mark the outbox job's terminal status.
func (d *Dispatcher) notify(ctx context.Context, job *Job) {
	t, err := d.store.Get(ctx, job.TaskID)
	if err != nil || t == nil || t.CallbackURL == "" {
		// Task vanished or lost its callback_url since being enqueued;
		// nothing left to deliver.
		if markErr := d.outbox.MarkPublished(ctx, job.EventID); markErr != nil {
			d.logger.Warnf("marking orphaned callback job %s published: %v", job.EventID, markErr)
		}
		return
	}

	payload, err := json.Marshal(t)
	if err != nil {
		d.logger.Warnf("marshaling task %d for callback: %v", t.ID, err)
		return
	}

	statusCode, body, deliverErr := d.post(ctx, t.CallbackURL, payload)
	now := time.Now()

	if err := d.store.RecordCallback(ctx, t.ID, statusCode, body, now); err != nil {
		d.logger.Warnf("recording callback result for task %d: %v", t.ID, err)
	}

	if deliverErr != nil {
		d.logger.Warnf("callback delivery failed for task %d: %v", t.ID, deliverErr)
		if err := d.outbox.MarkFailed(ctx, job.EventID, deliverErr.Error()); err != nil {
			d.logger.Warnf("marking callback job %s failed: %v", job.EventID, err)
		}
		return
	}
	if err := d.outbox.MarkPublished(ctx, job.EventID); err != nil {
		d.logger.Warnf("marking callback job %s published: %v", job.EventID, err)
	}
}

// post delivers payload to url, retrying up to MaxAttempts times with a
// fixed wait between attempts on either a transport-level failure or a
// non-2xx HTTP response (spec.md §6: "non-2xx is recorded and retried
// per §4.E"; §8 scenario 5 expects a 500-then-500-then-200 sequence to
// land as a single callback_status_code=200 record). Whatever the last
// attempt returned — success or not — is always handed back to notify so
// Store.RecordCallback can persist it even once MaxAttempts is
// exhausted. Attempts against a callback host that keeps failing trip
// that host's circuit breaker, which fails the remaining attempts fast
// instead of waiting out RetryWait on a connection that's already known
// to be down.
func (d *Dispatcher) post(ctx context.Context, rawURL string, payload []byte) (int, string, error) {
	breaker := d.breakers.get(callbackHost(rawURL))

	var (
		statusCode int
		body       string
		lastErr    error
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			sc, b, attemptErr := d.attempt(ctx, rawURL, payload)
			statusCode, body = sc, b
			return attemptErr
		})
		if err == nil {
			return statusCode, body, nil
		}
		lastErr = err
		if err == errCircuitOpen {
			break
		}

		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(d.cfg.RetryWait):
			case <-ctx.Done():
				return statusCode, body, ctx.Err()
			}
		}
	}
	return statusCode, body, lastErr
}

func callbackHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// attempt performs one delivery and reports a non-nil error for both
// transport failures and non-2xx responses, so post's retry loop treats
// them the same way; the status code and truncated body are always
// returned alongside, even when err is set, so a final non-2xx still
// reaches Store.RecordCallback once retries are exhausted.
func (d *Dispatcher) attempt(ctx context.Context, url string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, task.MaxCallbackMessageLen))
	truncated := task.TruncateCallbackMessage(string(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, truncated, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, truncated, nil
}
