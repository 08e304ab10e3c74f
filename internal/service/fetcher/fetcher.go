// Package fetcher downloads a batch of installer files into one directory,
// verifying each against its chunklist when one is given.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/chunklist"
	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/downloader"
	"github.com/vertextoedge/installer-fetch/internal/port"
	"github.com/vertextoedge/installer-fetch/internal/progress"
)

// ChunklistExt is appended to a file name for its downloaded chunklist.
const ChunklistExt = ".chunklist"

// Config contains fetcher configuration
type Config struct {
	// Resume continues partial files found in the destination directory.
	Resume bool
	// Overwrite replaces existing files without asking.
	Overwrite bool
	// VerifyOptions are passed to the chunklist verifier.
	VerifyOptions []chunklist.Option
}

// ProgressFactory returns the progress callback for one file.
type ProgressFactory func(name string) downloader.ProgressFunc

// Fetcher runs batches sequentially on one downloader.
type Fetcher struct {
	config     Config
	downloader *downloader.Downloader
	ledger     port.TransferLedger
	space      port.SpaceChecker
	metrics    port.TransferMetrics
	progress   ProgressFactory
	newID      func() string
	logger     *zap.Logger
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithLedger records every transfer in l.
func WithLedger(l port.TransferLedger) Option {
	return func(f *Fetcher) { f.ledger = l }
}

// WithSpaceChecker checks free space before a batch starts.
func WithSpaceChecker(s port.SpaceChecker) Option {
	return func(f *Fetcher) { f.space = s }
}

// WithMetrics records transfer outcomes.
func WithMetrics(m port.TransferMetrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithProgress sets the per-file progress callback factory.
func WithProgress(p ProgressFactory) Option {
	return func(f *Fetcher) { f.progress = p }
}

// New creates a new Fetcher
func New(cfg Config, dl *downloader.Downloader, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{
		config:     cfg,
		downloader: dl,
		metrics:    port.NopMetrics{},
		newID:      uuid.NewString,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FileResult is the outcome of one target.
type FileResult struct {
	Target   Target
	ID       string
	Path     string
	Status   string
	Size     int64
	Resumed  bool
	Verified bool
	// Previous is the last recorded transfer into Path when a partial file
	// was resumed and the ledger knows about it.
	Previous *domain.Transfer
	Err      error
}

// BatchResult is the outcome of a batch.
type BatchResult struct {
	BatchID  string
	Dir      string
	Files    []FileResult
	Duration time.Duration
}

// Completed returns the number of files that finished successfully.
func (r *BatchResult) Completed() int {
	n := 0
	for _, f := range r.Files {
		if f.Status == domain.TransferStatusCompleted {
			n++
		}
	}
	return n
}

// DownloadBatch fetches targets into dir one after another. A failed file
// does not stop the batch; failures are returned together as a
// *domain.BatchError once every file has been attempted. Cancellation stops
// the batch at once and returns domain.ErrCancelled.
func (f *Fetcher) DownloadBatch(ctx context.Context, dir string, targets []Target) (*BatchResult, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	start := time.Now()
	result := &BatchResult{BatchID: f.newID(), Dir: dir}

	if err := f.checkSpace(dir, targets); err != nil {
		return nil, err
	}

	f.logger.Info("batch started",
		zap.String("batch_id", result.BatchID),
		zap.String("dir", dir),
		zap.Int("files", len(targets)))

	var failed []domain.FailedDownload
	for i, target := range targets {
		if ctx.Err() != nil {
			result.Duration = time.Since(start)
			return result, domain.ErrCancelled
		}

		f.logger.Info("downloading file",
			zap.Int("index", i+1),
			zap.Int("count", len(targets)),
			zap.String("name", target.FileName()))

		fr := f.fetchOne(ctx, result.BatchID, dir, target)
		result.Files = append(result.Files, fr)

		switch {
		case fr.Status == domain.TransferStatusCancelled:
			result.Duration = time.Since(start)
			return result, domain.ErrCancelled
		case fr.Err != nil:
			f.logger.Warn("file failed",
				zap.String("name", target.FileName()),
				zap.Error(fr.Err))
			failed = append(failed, domain.FailedDownload{
				Name: target.FileName(),
				URL:  target.URL,
				Err:  fr.Err,
			})
		}
	}

	result.Duration = time.Since(start)
	f.logger.Info("batch finished",
		zap.String("batch_id", result.BatchID),
		zap.Int("completed", result.Completed()),
		zap.Int("failed", len(failed)),
		zap.Duration("duration", result.Duration))

	if len(failed) > 0 {
		return result, &domain.BatchError{Failed: failed}
	}
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, batchID, dir string, target Target) FileResult {
	name := target.FileName()
	dest := filepath.Join(dir, name)
	fr := FileResult{Target: target, ID: f.newID(), Path: dest}

	var offset int64
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && f.config.Resume {
		offset = info.Size()
	}

	if offset > 0 {
		fr.Previous = f.previousAttempt(dest, offset)
	}

	totalSize := target.Size
	if totalSize <= 0 {
		totalSize = -1
	}

	record := domain.NewTransfer(fr.ID, batchID, target.URL, dest, totalSize)
	f.record(record)

	done := f.metrics.Started()

	task := downloader.Task{
		URL:         target.URL,
		Dest:        dest,
		Offset:      offset,
		TotalSize:   totalSize,
		AllowResume: f.config.Resume,
		Overwrite:   f.config.Overwrite,
	}
	if f.progress != nil {
		task.Progress = f.progress(name)
	}

	res, err := f.downloader.Download(ctx, task)
	if res != nil {
		fr.Size = res.Size
		fr.Resumed = res.Resumed
		record.Attempts = res.Attempts
		record.Restarts = res.Restarts
		record.ResumedFrom = res.ResumedFrom
	}

	switch {
	case errors.Is(err, context.Canceled), err == nil && res.Status == downloader.StatusCancelled:
		fr.Status = domain.TransferStatusCancelled
		record.MarkCancelled()
	case err != nil:
		fr.Status = domain.TransferStatusFailed
		fr.Err = err
		record.MarkFailed(err)
	case res.Status == downloader.StatusSkipped:
		fr.Status = domain.TransferStatusSkipped
		record.MarkSkipped()
	default:
		fr.Status = domain.TransferStatusCompleted
		record.MarkCompleted(res.Size)
		if target.Chunklist != "" {
			verr := f.verify(ctx, dest, target.Chunklist)
			if errors.Is(verr, context.Canceled) {
				fr.Status = domain.TransferStatusCancelled
				record.MarkCancelled()
				break
			}
			record.MarkVerified(verr)
			if verr != nil {
				fr.Status = domain.TransferStatusFailed
				fr.Err = verr
			} else {
				fr.Verified = true
			}
		}
	}

	done(fr.Status)
	f.record(record)
	return fr
}

// verify downloads the chunklist next to dest and checks dest against it.
func (f *Fetcher) verify(ctx context.Context, dest, manifestURL string) error {
	manifestPath := dest + ChunklistExt

	res, err := f.downloader.Download(ctx, downloader.Task{
		URL:             manifestURL,
		Dest:            manifestPath,
		TotalSize:       -1,
		Overwrite:       true,
		DiscardOnCancel: true,
	})
	if err != nil {
		return fmt.Errorf("failed to download chunklist: %w", err)
	}
	if res.Status == downloader.StatusCancelled {
		return domain.ErrCancelled
	}

	err = chunklist.Verify(dest, manifestPath, f.config.VerifyOptions...)
	f.metrics.ObserveVerification(err)
	if err != nil {
		f.logger.Warn("chunklist verification failed",
			zap.String("path", dest),
			zap.Error(err))
		return err
	}

	f.logger.Info("chunklist verified", zap.String("path", dest))
	return nil
}

// checkSpace fails when the bytes still to fetch do not fit in dir.
func (f *Fetcher) checkSpace(dir string, targets []Target) error {
	if f.space == nil {
		return nil
	}

	var remaining int64
	for _, t := range targets {
		if t.Size <= 0 {
			continue
		}
		have := int64(0)
		if info, err := os.Stat(filepath.Join(dir, t.FileName())); err == nil && f.config.Resume {
			have = info.Size()
		}
		if t.Size > have {
			remaining += t.Size - have
		}
	}

	check, err := f.space.CheckSpace(dir, remaining)
	if err != nil {
		f.logger.Warn("could not check free space", zap.Error(err))
		return nil
	}
	if !check.HasSpace {
		return fmt.Errorf("%w: need %s, %s free in %s",
			domain.ErrInsufficientSpace,
			progress.FormatBytes(check.RequiredBytes),
			progress.FormatBytes(check.FreeBytes-check.ReserveBytes),
			check.Dir)
	}
	return nil
}

// previousAttempt looks up the transfer that left the partial file at dest.
func (f *Fetcher) previousAttempt(dest string, onDisk int64) *domain.Transfer {
	if f.ledger == nil {
		return nil
	}
	prev, err := f.ledger.LatestForDest(dest)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			f.logger.Warn("failed to look up previous transfer",
				zap.String("path", dest),
				zap.Error(err))
		}
		return nil
	}

	f.logger.Info("resuming previous transfer",
		zap.String("path", dest),
		zap.String("previous_id", prev.ID),
		zap.String("previous_status", prev.Status),
		zap.Int("previous_attempts", prev.Attempts),
		zap.Int64("bytes_on_disk", onDisk))
	return prev
}

func (f *Fetcher) record(t *domain.Transfer) {
	if f.ledger == nil {
		return
	}
	t.UpdatedAt = time.Now()
	if err := f.ledger.Record(t); err != nil {
		f.logger.Warn("failed to record transfer",
			zap.String("id", t.ID),
			zap.Error(err))
	}
}
