package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/adapter/filesystem"
	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/downloader"
	"github.com/vertextoedge/installer-fetch/internal/logger"
	"github.com/vertextoedge/installer-fetch/internal/progress"
	"github.com/vertextoedge/installer-fetch/internal/service/fetcher"
)

func newDownloadCmd() *cobra.Command {
	var (
		outputDir    string
		targetsFile  string
		chunklistURL string
		size         int64
		name         string
		dmgOnly      bool
		check        bool
		noResume     bool
		reserveMB    int64
	)

	cmd := &cobra.Command{
		Use:   "download [URL] [--targets FILE]",
		Short: "Download installer files with resume and chunklist verification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var targets []fetcher.Target
			switch {
			case len(args) == 1 && targetsFile != "":
				return errors.New("cannot specify a URL and --targets together, choose one")
			case len(args) == 1:
				targets = []fetcher.Target{{URL: args[0], Size: size, Name: name, Chunklist: chunklistURL}}
			case targetsFile != "":
				list, err := fetcher.LoadTargets(targetsFile)
				if err != nil {
					return err
				}
				targets = list.Targets
			default:
				return errors.New("no URL or targets file provided")
			}
			if dmgOnly {
				targets = fetcher.FilterDMG(targets)
			}

			if check {
				return runCheck(cmd, targets)
			}

			if outputDir == "" {
				outputDir = state.cfg.Download.OutputDir
			}

			ledger, err := state.openLedger()
			if err != nil {
				state.logger.Warn("transfer history disabled", zap.Error(err))
			} else {
				defer ledger.Close()
			}

			opts := []fetcher.Option{
				fetcher.WithMetrics(state.metrics),
				fetcher.WithSpaceChecker(filesystem.NewSpaceChecker(reserveMB * 1024 * 1024)),
				fetcher.WithProgress(func(name string) downloader.ProgressFunc {
					return state.renderer.Track(name)
				}),
			}
			if ledger != nil {
				opts = append(opts, fetcher.WithLedger(ledger))
			}

			f := fetcher.New(fetcher.Config{
				Resume:    state.cfg.Download.Resume && !noResume,
				Overwrite: state.cfg.Download.Overwrite || assumeYes,
			}, state.newDownloader(), logger.Named("fetcher"), opts...)

			result, err := f.DownloadBatch(cmd.Context(), outputDir, targets)
			printBatch(result)
			if err != nil {
				state.renderer.Failure("%v", err)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory")
	cmd.Flags().StringVarP(&targetsFile, "targets", "t", "", "YAML file listing the files to download")
	cmd.Flags().StringVar(&chunklistURL, "chunklist", "", "Chunklist URL to verify the download against")
	cmd.Flags().Int64Var(&size, "size", 0, "Expected size in bytes")
	cmd.Flags().StringVar(&name, "name", "", "Output file name")
	cmd.Flags().BoolVar(&dmgOnly, "dmg", false, "Only download .dmg files")
	cmd.Flags().BoolVar(&check, "check", false, "Only check that each URL is reachable")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "Do not resume partial files")
	cmd.Flags().Int64Var(&reserveMB, "reserve-mb", 512, "Free space to keep on the destination volume")
	return cmd
}

func runCheck(cmd *cobra.Command, targets []fetcher.Target) error {
	var failed []domain.FailedDownload
	for _, t := range targets {
		res, err := state.session.Probe(cmd.Context(), t.URL)
		if err != nil {
			state.renderer.Failure("%s: %v", t.FileName(), err)
			failed = append(failed, domain.FailedDownload{Name: t.FileName(), URL: t.URL, Err: err})
			continue
		}
		size := "unknown size"
		if res.ContentLength >= 0 {
			size = progress.FormatBytes(res.ContentLength)
		}
		state.renderer.Success("%s: HTTP %d, %s, ranges %v", t.FileName(), res.StatusCode, size, res.AcceptRanges)
	}
	if len(failed) > 0 {
		return &domain.BatchError{Failed: failed}
	}
	return nil
}

func printBatch(result *fetcher.BatchResult) {
	if result == nil {
		return
	}
	for _, f := range result.Files {
		switch f.Status {
		case domain.TransferStatusCompleted:
			line := fmt.Sprintf("%s (%s)", f.Path, progress.FormatBytes(f.Size))
			if f.Verified {
				line += " verified"
			}
			state.renderer.Success("%s", line)
			if f.Previous != nil {
				state.renderer.Detail("resumed after %s transfer from %s (%d attempts)",
					f.Previous.Status, f.Previous.CreatedAt.Local().Format("2006-01-02 15:04"), f.Previous.Attempts)
			}
		case domain.TransferStatusSkipped:
			state.renderer.Warning("%s skipped", f.Path)
		case domain.TransferStatusCancelled:
			state.renderer.Warning("%s cancelled", f.Path)
		default:
			state.renderer.Failure("%s: %v", f.Path, f.Err)
		}
	}
	state.renderer.Detail("%d of %d files in %s", result.Completed(), len(result.Files), progress.FormatDuration(result.Duration))
}
