// Package tempstore saves uploaded media files to local disk for the
// Ingress Adapter, using the same temp-file conventions pkg/fetch applies
// to downloaded files: a random token name, 0600 permissions, and a
// containment check against the configured root.
package tempstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/speechqueue/transcribeq/pkg/fetch"
	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
)

// DurationProber probes a saved media file's duration in seconds, the
// same shape pkg/fetch.DurationProber uses so a single implementation
// (shelling out to ffprobe or similar) serves both packages.
type DurationProber interface {
	Probe(path string) (float64, error)
}

// Config governs where uploads land and how large one may be.
type Config struct {
	Dir              string
	MaxFileSizeBytes int64
}

// DefaultConfig mirrors pkg/fetch.DefaultConfig's size ceiling.
func DefaultConfig() Config {
	return Config{MaxFileSizeBytes: 2 << 30}
}

// Store saves uploaded files under Dir.
type Store struct {
	cfg    Config
	prober DurationProber
	logger *logging.Logger
}

// New creates Dir if needed and returns a ready Store.
func New(cfg Config, prober DurationProber, logger *logging.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("tempstore: dir is required")
	}
	if cfg.MaxFileSizeBytes == 0 {
		cfg.MaxFileSizeBytes = DefaultConfig().MaxFileSizeBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("tempstore: creating dir: %w", err)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Store{cfg: cfg, prober: prober, logger: logger.WithComponent("tempstore")}, nil
}

// SavedFile is what Save reports back for persisting on a Task.
type SavedFile struct {
	Path      string
	FileName  string
	SizeBytes int64
	Duration  float64
}

// Save streams r to a new file under Dir named with a random token plus
// originalName's extension, enforcing MaxFileSizeBytes and the same
// allowed-extension set pkg/fetch validates downloads against, then
// probes duration.
func (s *Store) Save(ctx context.Context, r io.Reader, originalName string) (*SavedFile, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !fetch.AllowedExtensions[ext] {
		return nil, task.Input("uploaded file %q has disallowed extension %q", originalName, ext)
	}

	path, file, err := s.createFile(ext)
	if err != nil {
		return nil, err
	}

	written, err := s.stream(file, r)
	file.Close()
	if err != nil {
		os.Remove(path)
		return nil, task.NewError(task.CodeTransientIO, "saving upload "+originalName, err)
	}
	if written > s.cfg.MaxFileSizeBytes {
		os.Remove(path)
		return nil, task.Input("uploaded file %q exceeded max size %d", originalName, s.cfg.MaxFileSizeBytes)
	}

	if err := s.validatePath(path); err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("tempstore: restricting permissions: %w", err)
	}

	var duration float64
	if s.prober != nil {
		duration, err = s.prober.Probe(path)
		if err != nil {
			s.logger.Warnf("duration probe failed for %s: %v", path, err)
		}
	}

	return &SavedFile{
		Path:      path,
		FileName:  filepath.Base(path),
		SizeBytes: written,
		Duration:  duration,
	}, nil
}

// Delete removes a previously saved file; a missing file is not an error.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tempstore: deleting %s: %w", path, err)
	}
	return nil
}

func (s *Store) createFile(ext string) (string, *os.File, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return "", nil, fmt.Errorf("tempstore: generating filename: %w", err)
	}
	name := hex.EncodeToString(token) + ext
	path := filepath.Join(s.cfg.Dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", nil, fmt.Errorf("tempstore: creating file: %w", err)
	}
	return path, file, nil
}

func (s *Store) stream(file *os.File, r io.Reader) (int64, error) {
	limited := io.LimitReader(r, s.cfg.MaxFileSizeBytes+1)
	return io.Copy(file, limited)
}

func (s *Store) validatePath(path string) error {
	root, err := filepath.EvalSymlinks(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("tempstore: resolving root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("tempstore: resolving saved file: %w", err)
	}
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) && resolved != root {
		return task.Invariant("saved file escaped temp root: %s", resolved)
	}
	return nil
}
