package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/config"
	"github.com/example/shyguy/internal/handlers"
	"github.com/example/shyguy/internal/logging"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/mosaicclient"
	"github.com/example/shyguy/internal/usecase"
)

type submitOptions struct {
	File           string
	Output         string
	BackendURL     string
	PixelSize      int
	ScoreThreshold float64
	Quiet          bool
}

func newSubmitCommand(configPath *string) *cobra.Command {
	opts := submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Mosaic the faces in one image and save the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if opts.BackendURL != "" {
				cfg.Backend.BaseURL = opts.BackendURL
			}

			logger, err := logging.NewLogger(cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			client, err := mosaicclient.New(cfg.Backend.BaseURL, cfg.Backend.Timeout, logger)
			if err != nil {
				return err
			}
			return runSubmit(cmd.Context(), client, opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "image to process (JPEG, PNG or WebP)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "where to save the result (default: timestamped name in the current directory)")
	cmd.Flags().StringVar(&opts.BackendURL, "backend-url", "", "mosaic service base URL (overrides config)")
	cmd.Flags().IntVar(&opts.PixelSize, "pixel-size", mosaic.DefaultPixelSize, "mosaic block size in pixels (1-100)")
	cmd.Flags().Float64Var(&opts.ScoreThreshold, "score-threshold", mosaic.DefaultScoreThreshold, "face detection confidence threshold (0-1)")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "disable the progress spinner")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSubmit(ctx context.Context, client mosaic.Client, opts submitOptions, stdout, stderr io.Writer, logger *zap.Logger) error {
	params := mosaic.Parameters{PixelSize: opts.PixelSize, ScoreThreshold: opts.ScoreThreshold}
	if err := params.Validate(); err != nil {
		return err
	}

	data, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", opts.File, err)
	}
	mediaType := strings.SplitN(mimetype.Detect(data).String(), ";", 2)[0]
	if !mosaic.IsAccepted(mediaType) {
		return fmt.Errorf("unsupported image format %q, use JPEG, PNG or WebP", mediaType)
	}

	store := blob.NewMemoryStore("")
	orchestrator := usecase.NewOrchestrator(client, blob.NewTracker(store, logger), logger)
	defer func() {
		_ = orchestrator.Close()
		orchestrator.Wait()
	}()

	candidate := mosaic.Candidate{Name: filepath.Base(opts.File), MediaType: mediaType, Data: data}
	if err := orchestrator.Submit(candidate, params); err != nil {
		if errors.Is(err, usecase.ErrFileTooLarge) {
			return fmt.Errorf("%s: %s", opts.File, orchestrator.State().Message)
		}
		return err
	}

	state, err := awaitTerminal(ctx, orchestrator, stderr, opts.Quiet)
	if err != nil {
		return err
	}
	if state.Status == usecase.StatusFailed {
		return fmt.Errorf("mosaic failed: %s", state.Message)
	}

	result, _, err := store.Open(ctx, state.Result.Handle.ID)
	if err != nil {
		return fmt.Errorf("failed to load result: %w", err)
	}

	output := opts.Output
	if output == "" {
		output = handlers.DownloadFilename(state.Result.MediaType, time.Now())
	}
	if err := os.WriteFile(output, result, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Fprintf(stdout, "faces detected: %d\nsaved: %s\n", state.Result.FacesDetected, output)
	return nil
}

// awaitTerminal follows the orchestrator until it settles on Success or
// Failed, spinning on stderr in the meantime.
func awaitTerminal(ctx context.Context, orchestrator *usecase.Orchestrator, stderr io.Writer, quiet bool) (usecase.RequestState, error) {
	updates, unsubscribe := orchestrator.Subscribe()
	defer unsubscribe()

	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("Applying mosaic"),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish() //nolint:errcheck
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return usecase.RequestState{}, ctx.Err()
		case state, ok := <-updates:
			if !ok {
				return usecase.RequestState{}, usecase.ErrClosed
			}
			if state.Terminal() {
				return state, nil
			}
		case <-ticker.C:
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}
}
