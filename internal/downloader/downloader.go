package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/port"
	"github.com/vertextoedge/installer-fetch/internal/retry"
	"github.com/vertextoedge/installer-fetch/internal/transfer"
)

// Result status constants
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Default downloader values
const (
	DefaultChunkSize   = 8 * 1024
	DefaultMaxRestarts = 2
)

// ProgressFunc receives the bytes on disk so far, the expected total (or a
// non-positive value when unknown) and the start time of the download.
type ProgressFunc func(done, total int64, start time.Time)

// Task describes one file to fetch.
type Task struct {
	URL  string
	Dest string
	// Offset is the number of bytes the caller believes are already on disk.
	// The actual file length wins when resuming.
	Offset int64
	// TotalSize is the expected size in bytes; zero or negative means unknown.
	TotalSize   int64
	AllowResume bool

	// Headers are sent with every request, e.g. cookies.
	Headers http.Header
	// Overwrite replaces an existing destination without asking.
	Overwrite bool
	// DiscardOnCancel deletes the partial file when the download is cancelled.
	DiscardOnCancel bool
	// Progress overrides Options.Progress for this task.
	Progress ProgressFunc
}

// Result is the outcome of a download that did not fail.
type Result struct {
	Status      string
	Path        string
	Size        int64
	Resumed     bool
	ResumedFrom int64
	Attempts    int
	Restarts    int
	Duration    time.Duration
}

// Options contains downloader configuration
type Options struct {
	ChunkSize int
	// Policy overrides the session retry policy when MaxAttempts > 0.
	Policy      retry.Policy
	MaxRestarts int
	// ReadTimeout aborts an attempt whose body delivers no bytes for this
	// long. Zero uses the session read timeout.
	ReadTimeout time.Duration

	Progress ProgressFunc
	// ConfirmOverwrite is asked before an existing destination is replaced.
	// A nil callback declines.
	ConfirmOverwrite func(path string) bool

	Sleep    retry.Sleeper
	Observer port.TransferObserver
}

// Downloader streams files to disk with resume, retry and cancellation.
type Downloader struct {
	session *transfer.Session
	opts    Options
	logger  *zap.Logger
}

// New creates a new Downloader
func New(session *transfer.Session, opts Options, logger *zap.Logger) *Downloader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = session.RetryPolicy()
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	} else if opts.MaxRestarts == 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = session.ReadTimeout()
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	if opts.Observer == nil {
		opts.Observer = port.NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Downloader{
		session: session,
		opts:    opts,
		logger:  logger,
	}
}

// Download fetches task.URL into task.Dest. Failures are returned as errors;
// cancellation and a declined overwrite are reported through Result.Status.
func (d *Downloader) Download(ctx context.Context, task Task) (*Result, error) {
	if task.URL == "" || task.Dest == "" {
		return nil, fmt.Errorf("%w: url and destination are required", domain.ErrInvalidTask)
	}

	start := time.Now()
	result := &Result{Path: task.Dest}

	if err := os.MkdirAll(filepath.Dir(task.Dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if skip, err := d.prepareDestination(task); err != nil {
		return nil, err
	} else if skip {
		d.logger.Info("destination exists, skipping download",
			zap.String("path", task.Dest))
		result.Status = StatusSkipped
		result.Size = fileLength(task.Dest)
		return result, nil
	}

	allowRange := task.AllowResume
	total := task.TotalSize

	if allowRange {
		onDisk := fileLength(task.Dest)
		if total <= 0 && onDisk > 0 {
			total = d.remoteSize(ctx, task)
		}
		if total > 0 && onDisk == total {
			d.logger.Info("file already complete",
				zap.String("path", task.Dest),
				zap.Int64("size", total))
			result.Status = StatusCompleted
			result.Size = total
			result.Duration = time.Since(start)
			return result, nil
		}
		if total > 0 && onDisk > total {
			d.logger.Warn("partial file larger than expected, starting fresh",
				zap.String("path", task.Dest),
				zap.Int64("on_disk", onDisk),
				zap.Int64("expected", total))
			if err := removeFile(task.Dest); err != nil {
				return nil, err
			}
		}
	}

	for {
		err := d.run(ctx, task, allowRange, total, start, result)
		if err == nil {
			result.Duration = time.Since(start)
			return result, nil
		}

		if !errors.Is(err, domain.ErrRangeNotSatisfied) || !allowRange {
			return nil, fmt.Errorf("download %s: %w", task.URL, err)
		}

		result.Restarts++
		if result.Restarts > d.opts.MaxRestarts {
			return nil, fmt.Errorf("download %s: %w (%d): %w", task.URL, domain.ErrTooManyRestarts, d.opts.MaxRestarts, err)
		}

		d.logger.Warn("range not satisfiable, restarting without resume",
			zap.String("url", task.URL),
			zap.Int("restart", result.Restarts))
		d.opts.Observer.Restarted("range_not_satisfiable")

		if err := removeFile(task.Dest); err != nil {
			return nil, err
		}
		allowRange = false
	}
}

// prepareDestination applies the overwrite rules. It reports true when the
// download must be skipped.
func (d *Downloader) prepareDestination(task Task) (bool, error) {
	if _, err := os.Stat(task.Dest); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}

	if task.Offset > 0 && task.AllowResume {
		return false, nil
	}

	if !task.Overwrite && task.Offset == 0 {
		if d.opts.ConfirmOverwrite == nil || !d.opts.ConfirmOverwrite(task.Dest) {
			return true, nil
		}
	}

	return false, removeFile(task.Dest)
}

// remoteSize asks the server for the file size. Failures are not fatal.
func (d *Downloader) remoteSize(ctx context.Context, task Task) int64 {
	resp, err := d.session.Head(ctx, task.URL, task.Headers)
	if err != nil {
		d.logger.Debug("could not determine remote size",
			zap.String("url", task.URL),
			zap.Error(err))
		return -1
	}
	return resp.ContentLength
}

// run is the retry loop for one pass over the file.
func (d *Downloader) run(ctx context.Context, task Task, allowRange bool, total int64, start time.Time, result *Result) error {
	policy := d.opts.Policy
	state := policy.Start()

	for {
		if ctx.Err() != nil {
			return d.cancel(task, result)
		}

		result.Attempts++
		size, err := d.attempt(ctx, task, allowRange, total, start, result)
		if err == nil {
			result.Status = StatusCompleted
			result.Size = size
			return nil
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return d.cancel(task, result)
		}

		outcome := retry.Classify(err)
		decision, next := policy.Next(state, outcome)
		if decision.Exhausted {
			return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, result.Attempts, err)
		}
		if !decision.Retry {
			return err
		}

		delay := decision.Delay
		if after, ok := domain.GetRetryAfter(err); ok && after > delay {
			delay = after
		}

		d.logger.Warn("download attempt failed, retrying",
			zap.String("url", task.URL),
			zap.Int("attempt", result.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		d.opts.Observer.AttemptFailed(err)

		if err := d.opts.Sleep(ctx, delay); err != nil {
			return d.cancel(task, result)
		}
		state = next
	}
}

func (d *Downloader) cancel(task Task, result *Result) error {
	result.Status = StatusCancelled
	result.Size = fileLength(task.Dest)

	if task.DiscardOnCancel {
		if err := removeFile(task.Dest); err != nil {
			d.logger.Warn("failed to remove partial file",
				zap.String("path", task.Dest),
				zap.Error(err))
		}
		result.Size = 0
	}

	d.logger.Info("download cancelled",
		zap.String("url", task.URL),
		zap.Int64("bytes_on_disk", result.Size))
	return nil
}

// attempt performs one GET and streams the body to disk. It returns the
// final file size.
func (d *Downloader) attempt(ctx context.Context, task Task, allowRange bool, total int64, start time.Time, result *Result) (int64, error) {
	var offset int64
	if allowRange {
		offset = fileLength(task.Dest)
	}

	headers := task.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if offset > 0 {
		headers.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	attemptCtx, cancelAttempt := context.WithCancelCause(ctx)
	defer cancelAttempt(nil)

	req, err := d.session.NewRequest(attemptCtx, http.MethodGet, task.URL, nil, headers)
	if err != nil {
		return 0, err
	}
	resp, err := d.session.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// The transport only bounds the wait for headers; a silent body is
	// cut off here and resumed by the retry loop.
	watchdog := time.AfterFunc(d.opts.ReadTimeout, func() {
		cancelAttempt(domain.ErrReadTimeout)
	})
	defer watchdog.Stop()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
		result.Resumed = true
		result.ResumedFrom = offset
		d.logger.Info("resuming download",
			zap.String("url", task.URL),
			zap.Int64("from_byte", offset))
	case offset > 0:
		d.logger.Warn("server ignored range request, downloading full file",
			zap.String("url", task.URL),
			zap.Int("status", resp.StatusCode))
		offset = 0
		flags |= os.O_TRUNC
	default:
		flags |= os.O_TRUNC
	}

	if total <= 0 {
		total = responseTotal(resp, offset)
	}

	f, err := os.OpenFile(task.Dest, flags, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination: %w", err)
	}

	progress := task.Progress
	if progress == nil {
		progress = d.opts.Progress
	}

	body := &idleReader{r: resp.Body, timer: watchdog, timeout: d.opts.ReadTimeout}
	done, err := d.stream(ctx, f, body, offset, total, start, progress)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), domain.ErrReadTimeout) {
		d.logger.Warn("download stalled",
			zap.String("url", task.URL),
			zap.Int64("at_byte", done),
			zap.Duration("read_timeout", d.opts.ReadTimeout))
		err = domain.NewRetryableError(fmt.Errorf("%w (%s) at byte %d", domain.ErrReadTimeout, d.opts.ReadTimeout, done), 0)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close destination: %w", closeErr)
	}
	if err != nil {
		return done, err
	}

	if total > 0 && done != total {
		d.logger.Warn("size mismatch, discarding file",
			zap.String("path", task.Dest),
			zap.Int64("got", done),
			zap.Int64("want", total))
		d.opts.Observer.Restarted("size_mismatch")
		if err := removeFile(task.Dest); err != nil {
			return 0, err
		}
		return 0, domain.NewRetryableError(fmt.Errorf("%w: got %d bytes, want %d", domain.ErrSizeMismatch, done, total), 0)
	}

	return done, nil
}

// stream copies body to f in fixed-size chunks, reporting progress and
// checking for cancellation after every chunk.
func (d *Downloader) stream(ctx context.Context, f *os.File, body io.Reader, offset, total int64, start time.Time, progress ProgressFunc) (int64, error) {
	buf := make([]byte, d.opts.ChunkSize)
	done := offset

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return done, fmt.Errorf("write failed: %w", err)
			}
			done += int64(n)
			d.opts.Observer.BytesWritten(n)
			if progress != nil {
				progress(done, total, start)
			}
		}

		if err := ctx.Err(); err != nil {
			return done, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}

		if readErr == io.EOF {
			return done, nil
		}
		if readErr != nil {
			return done, domain.NewRetryableError(fmt.Errorf("read failed at byte %d: %w", done, readErr), 0)
		}
	}
}

// idleReader restarts the stall timer whenever bytes arrive.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

// responseTotal derives the full file size from a response.
func responseTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if _, _, total, ok := transfer.ParseContentRange(resp.Header.Get("Content-Range")); ok && total > 0 {
			return total
		}
	}
	if resp.ContentLength >= 0 {
		return offset + resp.ContentLength
	}
	return -1
}

func fileLength(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
