// Package fetch implements the Media Fetcher: it turns a file_url into a
// local, validated, size/duration-probed temp file.
package fetch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/http2"

	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
)

// AllowedExtensions is the standard FFmpeg audio/video set plus the
// subtitle formats a transcription job can emit (spec.md §6).
var AllowedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".mp4": true, ".mkv": true, ".flac": true,
	".aac": true, ".m4a": true, ".ogg": true, ".webm": true, ".mov": true,
	".avi": true, ".wmv": true, ".srt": true, ".vtt": true,
}

var extensionByContentType = map[string]string{
	"audio/mpeg": ".mp3", "audio/mp3": ".mp3", "audio/wav": ".wav",
	"audio/x-wav": ".wav", "audio/flac": ".flac", "audio/aac": ".aac",
	"audio/mp4": ".m4a", "audio/ogg": ".ogg", "video/mp4": ".mp4",
	"video/webm": ".webm", "video/quicktime": ".mov", "video/x-matroska": ".mkv",
	"video/x-msvideo": ".avi", "video/x-ms-wmv": ".wmv",
}

// PlatformHeaders maps a URL substring (the platform) to the
// Referer/Origin headers that platform's CDN expects — a plain
// configuration table, never core logic.
type PlatformHeaders map[string]map[string]string

// Config governs fetcher behavior.
type Config struct {
	TempDir         string
	MaxFileSizeBytes int64
	ChunkSize       int64
	ProbeBytes      int64
	PlatformHeaders PlatformHeaders
	RequestTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFileSizeBytes: 2 << 30, // 2 GiB
		ChunkSize:        256 * 1024,
		ProbeBytes:       1024,
		RequestTimeout:   30 * time.Minute,
	}
}

// DurationProber probes a downloaded media file's duration in seconds.
// Implementations shell out to ffprobe or an equivalent; the fetcher never
// assumes how.
type DurationProber interface {
	Probe(path string) (float64, error)
}

// Fetcher downloads, validates, and dedupes remote media files.
type Fetcher struct {
	cfg    Config
	client *http.Client
	prober DurationProber
	logger *logging.Logger

	dedupeMu sync.Mutex
	dedupe   *bloom.BloomFilter
	byURL    map[string]string // blake2b(url) hex -> temp path, confirmed cache
}

// New builds a Fetcher with an HTTP/2-aware transport (falling back to
// HTTP/1.1 for servers that don't offer it) sized for sustained streaming
// downloads.
func New(cfg Config, prober DurationProber, logger *logging.Logger) (*Fetcher, error) {
	if cfg.MaxFileSizeBytes == 0 {
		cfg.MaxFileSizeBytes = DefaultConfig().MaxFileSizeBytes
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.ProbeBytes == 0 {
		cfg.ProbeBytes = DefaultConfig().ProbeBytes
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.TempDir == "" {
		return nil, fmt.Errorf("fetch: temp dir is required")
	}
	if err := os.MkdirAll(cfg.TempDir, 0700); err != nil {
		return nil, fmt.Errorf("fetch: creating temp dir: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warnf("fetch: http2 transport configuration failed, continuing http/1.1 only: %v", err)
	}

	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		prober: prober,
		logger: logger.WithComponent("fetcher"),
		dedupe: bloom.NewWithEstimates(100000, 0.01),
		byURL:  make(map[string]string),
	}, nil
}

// Result is what Download reports back for storage on the task.
type Result struct {
	Path         string
	FileName     string
	SizeBytes    int64
	Duration     float64
	ContentHash  string
}

// Download resolves url to a local, validated file per spec.md §4.C's
// five steps, attaching any platform-specific headers configured for a
// substring match against url.
func (f *Fetcher) Download(ctx context.Context, url, platform string) (*Result, error) {
	if cached, ok := f.lookupDedupe(url); ok {
		if info, err := os.Stat(cached); err == nil {
			f.logger.Debugf("reusing deduped download for %s", url)
			duration, _ := f.probeDuration(cached)
			return &Result{Path: cached, FileName: filepath.Base(cached), SizeBytes: info.Size(), Duration: duration}, nil
		}
	}

	headers := f.headersFor(url, platform)

	contentType, size, err := f.probe(ctx, url, headers)
	if err != nil {
		return nil, task.Input("probing %s: %v", url, err)
	}
	if size > 0 && size > f.cfg.MaxFileSizeBytes {
		return nil, task.Input("file at %s is %d bytes, exceeds max of %d", url, size, f.cfg.MaxFileSizeBytes)
	}

	ext := extensionByContentType[contentType]
	path, hasher, file, err := f.createTempFile(ext)
	if err != nil {
		return nil, err
	}

	written, err := f.stream(ctx, url, headers, file, hasher)
	file.Close()
	if err != nil {
		os.Remove(path)
		return nil, task.NewError(task.CodeTransientIO, "downloading "+url, err)
	}
	if written > f.cfg.MaxFileSizeBytes {
		os.Remove(path)
		return nil, task.Input("file at %s exceeded max size %d mid-download", url, f.cfg.MaxFileSizeBytes)
	}

	if err := f.validatePath(path); err != nil {
		os.Remove(path)
		return nil, err
	}

	finalExt := filepath.Ext(path)
	if !AllowedExtensions[finalExt] {
		os.Remove(path)
		return nil, task.Input("file at %s has disallowed extension %q", url, finalExt)
	}

	if err := os.Chmod(path, 0600); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("fetch: restricting permissions: %w", err)
	}

	contentHash := hex.EncodeToString(hasher.Sum(nil))
	f.recordDedupe(url, path)

	duration, err := f.probeDuration(path)
	if err != nil {
		f.logger.Warnf("duration probe failed for %s: %v", path, err)
	}

	return &Result{
		Path:        path,
		FileName:    filepath.Base(path),
		SizeBytes:   written,
		Duration:    duration,
		ContentHash: contentHash,
	}, nil
}

// probe issues a ranged GET for the first ProbeBytes to discover
// content-type and, when the server honors Range, the total size.
func (f *Fetcher) probe(ctx context.Context, url string, headers map[string]string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", f.cfg.ProbeBytes-1))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	contentType := resp.Header.Get("Content-Type")
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	contentType = strings.TrimSpace(contentType)

	var size int64
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndexByte(cr, '/'); idx >= 0 && cr[idx+1:] != "*" {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				size = n
			}
		}
	} else if cl := resp.ContentLength; cl > 0 {
		size = cl
	}

	return contentType, size, nil
}

// stream performs the full download in ChunkSize pieces, writing to file
// and hasher simultaneously.
func (f *Fetcher) stream(ctx context.Context, url string, headers map[string]string, file *os.File, hasher io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	dest := io.MultiWriter(file, hasher)
	buf := make([]byte, f.cfg.ChunkSize)
	var total int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dest.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if total > f.cfg.MaxFileSizeBytes {
				return total, fmt.Errorf("exceeded max file size mid-stream")
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// createTempFile opens a new file under TempDir named with a random
// 32-hex token and the given extension.
func (f *Fetcher) createTempFile(ext string) (string, hash.Hash, *os.File, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return "", nil, nil, fmt.Errorf("fetch: generating temp filename: %w", err)
	}
	name := hex.EncodeToString(token) + ext
	path := filepath.Join(f.cfg.TempDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", nil, nil, fmt.Errorf("fetch: creating temp file: %w", err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		file.Close()
		os.Remove(path)
		return "", nil, nil, fmt.Errorf("fetch: initializing content hasher: %w", err)
	}
	return path, hasher, file, nil
}

// validatePath defends against traversal/symlink tricks: the file's
// resolved path must remain within the configured temp root.
func (f *Fetcher) validatePath(path string) error {
	root, err := filepath.EvalSymlinks(f.cfg.TempDir)
	if err != nil {
		return fmt.Errorf("fetch: resolving temp root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("fetch: resolving downloaded path: %w", err)
	}
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) && resolved != root {
		return task.Invariant("downloaded file escaped temp root: %s", resolved)
	}
	return nil
}

func (f *Fetcher) probeDuration(path string) (float64, error) {
	if f.prober == nil {
		return 0, nil
	}
	return f.prober.Probe(path)
}

// headersFor returns the Referer/Origin headers configured for the first
// platform whose key appears as a substring of url, falling back to the
// platform tag the task itself declared.
func (f *Fetcher) headersFor(url, platform string) map[string]string {
	for key, headers := range f.cfg.PlatformHeaders {
		if strings.Contains(url, key) {
			return headers
		}
	}
	if headers, ok := f.cfg.PlatformHeaders[platform]; ok {
		return headers
	}
	return nil
}

func (f *Fetcher) lookupDedupe(url string) (string, bool) {
	key := urlKey(url)

	f.dedupeMu.Lock()
	defer f.dedupeMu.Unlock()
	if !f.dedupe.TestString(key) {
		return "", false
	}
	path, ok := f.byURL[key]
	return path, ok
}

func (f *Fetcher) recordDedupe(url, path string) {
	key := urlKey(url)

	f.dedupeMu.Lock()
	defer f.dedupeMu.Unlock()
	f.dedupe.AddString(key)
	f.byURL[key] = path
}

func urlKey(url string) string {
	sum := blake2b.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
