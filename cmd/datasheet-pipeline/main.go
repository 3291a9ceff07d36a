// Command datasheet-pipeline ingests PDF datasheets from a local folder or a
// Google Drive folder, uploads page images and source PDFs to Cloud Storage,
// and tracks per-document and per-page progress in Postgres.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatmro/datasheet-pipeline/internal/config"
	"github.com/chatmro/datasheet-pipeline/internal/drive"
	"github.com/chatmro/datasheet-pipeline/internal/gcs"
	"github.com/chatmro/datasheet-pipeline/internal/pipeline"
	"github.com/chatmro/datasheet-pipeline/internal/registry"
	"github.com/chatmro/datasheet-pipeline/internal/render"
	"github.com/chatmro/datasheet-pipeline/internal/source"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "datasheet-pipeline",
		Short:         "Resumable PDF ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var folder, driveFolder string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full ingestion pass over the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if folder != "" {
				cfg.SourceFolder = folder
			}
			if driveFolder != "" {
				cfg.DriveFolderID = driveFolder
				cfg.SourceFolder = ""
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "local source folder (overrides SOURCE_FOLDER)")
	cmd.Flags().StringVar(&driveFolder, "drive-folder", "", "Drive folder id (overrides DRIVE_FOLDER_ID)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	creds, err := config.LoadDBCredentials(cfg.DBCredentialsPath)
	if err != nil {
		return err
	}

	renderer := render.New(logger)

	// Persistence is the one dependency the pipeline cannot run without;
	// registry.New exhausting its connection retries is fatal.
	reg, err := registry.New(registry.Config{
		DSN:             creds.DSN(),
		ConnectRetries:  cfg.ConnectRetries,
		ConnectPause:    cfg.ConnectPause,
		MaxAllowedPages: cfg.MaxAllowedPages,
	}, renderer, logger)
	if err != nil {
		logger.Error("CRITICAL: registry initialization failed.", "error", err)
		return err
	}
	logger.Info("Registry initialized.")

	store, err := gcs.NewStore(ctx, cfg.ServiceAccountPath, cfg.ImageBucket, cfg.PDFBucket, logger)
	if err != nil {
		return err
	}
	logger.Info("Artifact store initialized.")

	var src source.Source
	switch {
	case cfg.SourceFolder != "":
		logger.Info("Processing files from local folder.", "folder", cfg.SourceFolder)
		src = source.NewLocalFolder(cfg.SourceFolder, logger)
	case cfg.DriveFolderID != "":
		logger.Info("Processing files from Google Drive.", "folderId", cfg.DriveFolderID)
		manager, err := drive.NewManager(ctx, cfg.ServiceAccountPath, cfg.DriveFolderID, cfg.TempDir, logger)
		if err != nil {
			return err
		}
		src = source.NewDriveSource(manager)
	default:
		return fmt.Errorf("no source configured: set SOURCE_FOLDER or DRIVE_FOLDER_ID")
	}

	pcfg := pipeline.Config{
		RenderDPI:         cfg.RenderDPI,
		RenderBatchSize:   cfg.RenderBatchSize,
		UploadWorkers:     cfg.UploadWorkers,
		TextWorkers:       cfg.TextWorkers,
		DocumentTimeout:   cfg.DocumentTimeout,
		DocumentBatchSize: cfg.DocumentBatchSize,
		PendingBatchSize:  cfg.PendingBatchSize,
		TempDir:           cfg.TempDir,
	}
	proc := pipeline.NewProcessor(reg, store, renderer, pcfg, logger)
	driver := pipeline.NewDriver(proc, reg, store, src, pcfg, logger)

	return driver.Run(ctx)
}
