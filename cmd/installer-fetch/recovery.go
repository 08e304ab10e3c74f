package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/logger"
	"github.com/vertextoedge/installer-fetch/internal/progress"
	"github.com/vertextoedge/installer-fetch/internal/recovery"
)

func newRecoveryCmd() *cobra.Command {
	var (
		boardID     string
		mlb         string
		osType      string
		outputDir   string
		diagnostics bool
		listBoards  bool
	)

	cmd := &cobra.Command{
		Use:   "recovery --board BOARD_ID",
		Short: "Download a recovery or diagnostics image from the recovery server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := recovery.LoadBoardCatalog(state.cfg.Recovery.BoardsFile)
			if err != nil {
				return err
			}

			if listBoards {
				for _, board := range catalog.Boards() {
					state.renderer.Info("%s  %s", board, catalog.Version(board))
				}
				return nil
			}
			if boardID == "" {
				return errors.New("--board is required")
			}

			if mlb == "" {
				mlb = state.cfg.Recovery.MLB
			}
			if osType == "" {
				osType = state.cfg.Recovery.OSType
			}
			if outputDir == "" {
				outputDir = state.cfg.Recovery.OutputDir
			}

			opts := []recovery.ClientOption{recovery.WithBaseURL(state.cfg.Recovery.BaseURL)}
			ledger, err := state.openLedger()
			if err != nil {
				state.logger.Warn("transfer history disabled", zap.Error(err))
			} else {
				defer ledger.Close()
				opts = append(opts, recovery.WithLedger(ledger))
			}

			client := recovery.NewClient(state.session, state.newDownloader(), logger.Named("recovery"), opts...)

			req := recovery.ImageRequest{
				BoardID:     boardID,
				MLB:         mlb,
				OSType:      osType,
				Diagnostics: diagnostics,
			}
			state.renderer.Info("Requesting %s for %s (%s)", req.Filename(), boardID, catalog.Version(boardID))

			done := state.metrics.Started()
			image, err := client.DownloadRecoveryImage(cmd.Context(), req, outputDir, state.renderer.Track(req.Filename()))
			switch {
			case errors.Is(err, domain.ErrCancelled):
				done(domain.TransferStatusCancelled)
				state.renderer.Warning("download cancelled")
				return err
			case image != nil && image.ChunklistPath != "":
				state.metrics.ObserveVerification(err)
			}
			if err != nil {
				done(domain.TransferStatusFailed)
				state.renderer.Failure("%v", err)
				return err
			}
			done(domain.TransferStatusCompleted)

			state.renderer.Success("%s (%s) verified", image.Path, progress.FormatBytes(image.Size))
			state.renderer.Detail("product %s, chunklist %s", image.Product, image.ChunklistPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&boardID, "board", "b", "", "Board ID, e.g. Mac-7BA5B2D9E42DDD94")
	cmd.Flags().StringVarP(&mlb, "mlb", "m", "", "Main logic board serial")
	cmd.Flags().StringVar(&osType, "os", "", "OS type (default or latest)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory")
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "Download the diagnostics image")
	cmd.Flags().BoolVar(&listBoards, "list-boards", false, "List known board IDs")
	return cmd
}
