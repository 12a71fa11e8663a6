package weights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

const (
	// partialSuffix marks in-flight downloads. Completed files are renamed
	// into place, so a crash leaves at worst a resumable partial file.
	partialSuffix = ".partial"
	// maxConcurrentFiles bounds parallel file downloads within one repo.
	maxConcurrentFiles = 4
	// downloadAttempts is the per-file retry budget for transient failures.
	downloadAttempts = 3
	// readIdleTimeout aborts a connection that stops yielding bytes; the
	// attempt is then retried from the current offset.
	readIdleTimeout = 60 * time.Second
)

// Downloader fetches a repository's files into a target directory.
type Downloader struct {
	log       logging.Logger
	client    *HubClient
	repo      string
	revision  string
	targetDir string
}

// NewDownloader creates a downloader writing into targetDir.
func NewDownloader(log logging.Logger, client *HubClient, repo, revision, targetDir string) *Downloader {
	if revision == "" {
		revision = snapshotRevision
	}
	return &Downloader{
		log:       log,
		client:    client,
		repo:      repo,
		revision:  revision,
		targetDir: targetDir,
	}
}

// syncWriter wraps an io.Writer with a mutex for thread-safe concurrent writes.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *syncWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.w.Write(p)
}

// fileIDFromPath generates a stable ID for a file for progress correlation.
func fileIDFromPath(path string) string {
	hash := sha256.Sum256([]byte(path))
	return "sha256:" + hex.EncodeToString(hash[:])
}

// DownloadAll downloads the given files in parallel, skipping files already
// present with the expected size. Progress records go to progressWriter.
func (d *Downloader) DownloadAll(ctx context.Context, files []RepoFile, progressWriter io.Writer) error {
	if len(files) == 0 {
		return nil
	}

	totalSize := uint64(TotalSize(files))

	var safeWriter io.Writer
	if progressWriter != nil {
		safeWriter = &syncWriter{w: progressWriter}
	}

	sem := make(chan struct{}, maxConcurrentFiles)
	var wg sync.WaitGroup
	errChan := make(chan error, len(files))

	for _, file := range files {
		if d.complete(file) {
			continue
		}
		wg.Add(1)
		go func(f RepoFile) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
			defer func() { <-sem }()

			if err := d.downloadFile(ctx, f, totalSize, safeWriter); err != nil {
				errChan <- fmt.Errorf("download %s: %w", f.Path, err)
			}
		}(file)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// complete reports whether a file already exists with the expected size.
func (d *Downloader) complete(file RepoFile) bool {
	info, err := os.Stat(filepath.Join(d.targetDir, filepath.FromSlash(file.Path)))
	if err != nil {
		return false
	}
	return file.ActualSize() <= 0 || info.Size() == file.ActualSize()
}

// downloadFile fetches one file with resume and bounded retries.
func (d *Downloader) downloadFile(ctx context.Context, file RepoFile, totalSize uint64, progressWriter io.Writer) error {
	target := filepath.Join(d.targetDir, filepath.FromSlash(file.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	partial := target + partialSuffix

	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			d.log.Warnf("Retrying download of %s in %s: %v", file.Path, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.attempt(ctx, file, target, partial, totalSize, progressWriter)
		if lastErr == nil {
			return nil
		}
		if permanentError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *Downloader) attempt(ctx context.Context, file RepoFile, target, partial string, totalSize uint64, progressWriter io.Writer) error {
	var offset int64
	if info, err := os.Stat(partial); err == nil {
		offset = info.Size()
	}

	reader, _, resumed, err := d.client.DownloadFile(ctx, d.repo, d.revision, file.Path, offset)
	if err != nil {
		return err
	}
	defer reader.Close()

	if offset > 0 && !resumed {
		// Server ignored the range request; start over.
		offset = 0
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	idleReader := newIdleTimeoutReader(reader, readIdleTimeout)
	defer idleReader.Close()

	pr := &progressReader{
		reader:         idleReader,
		progressWriter: progressWriter,
		totalSize:      totalSize,
		fileSize:       uint64(file.ActualSize()),
		fileName:       file.Filename(),
		fileID:         fileIDFromPath(file.Path),
		bytesRead:      uint64(offset),
	}

	_, copyErr := io.Copy(f, pr)
	closeErr := f.Close()
	if copyErr != nil {
		// The partial file stays behind so the next attempt resumes.
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	if expected := file.ActualSize(); expected > 0 {
		info, err := os.Stat(partial)
		if err != nil {
			return err
		}
		if info.Size() != expected {
			os.Remove(partial)
			return fmt.Errorf("size mismatch for %s: got %d bytes, want %d", file.Path, info.Size(), expected)
		}
	}

	if progressWriter != nil {
		size := uint64(file.ActualSize())
		_ = WriteProgress(progressWriter, totalSize, FileProgress{Name: file.Filename(), Size: size, Current: size})
	}

	return os.Rename(partial, target)
}

// permanentError reports whether retrying cannot help.
func permanentError(err error) bool {
	var auth *AuthError
	var notFound *NotFoundError
	return errors.As(err, &auth) ||
		errors.As(err, &notFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// progressReader wraps a reader and reports per-file progress.
type progressReader struct {
	reader         io.Reader
	progressWriter io.Writer
	totalSize      uint64
	fileSize       uint64
	fileName       string
	fileID         string
	bytesRead      uint64
	lastReported   uint64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.bytesRead += uint64(n)
		if pr.progressWriter != nil && (pr.bytesRead-pr.lastReported >= MinBytesForUpdate || pr.bytesRead == pr.fileSize) {
			_ = WriteProgress(pr.progressWriter, pr.totalSize, FileProgress{
				Name:    pr.fileName,
				Size:    pr.fileSize,
				Current: pr.bytesRead,
			})
			pr.lastReported = pr.bytesRead
		}
	}
	return n, err
}

// idleTimeoutReader closes the underlying body when no bytes arrive for the
// configured duration, turning a stalled connection into a read error.
type idleTimeoutReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	r := &idleTimeoutReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		rc.Close()
	})
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err != nil && r.timedOut.Load() {
		return n, fmt.Errorf("download stalled: no data received for %s", r.timeout)
	}
	if err == nil {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
