package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatmro/datasheet-pipeline/internal/models"
	"github.com/chatmro/datasheet-pipeline/internal/registry"
	"github.com/chatmro/datasheet-pipeline/internal/source"
)

// DocumentProcessor processes one document end to end.
type DocumentProcessor interface {
	Process(ctx context.Context, name, localPath string) error
}

// Driver discovers eligible documents, registers the new ones, and invokes
// the processor per document, continuing past per-document failures. Only
// discovery and registry-listing failures abort a run.
type Driver struct {
	proc     DocumentProcessor
	registry Registry
	store    ArtifactStore
	source   source.Source
	cfg      Config
	logger   *slog.Logger
}

func NewDriver(proc DocumentProcessor, reg Registry, store ArtifactStore, src source.Source, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		proc:     proc,
		registry: reg,
		store:    store,
		source:   src,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "driver"),
	}
}

// Run performs one full pass: discover, register and process new documents
// in batches, then sweep everything still pending (including leftovers from
// earlier failed runs).
func (d *Driver) Run(ctx context.Context) error {
	known, err := d.registry.ListAllDocumentNames(ctx)
	if err != nil {
		return err
	}
	files, err := d.source.Discover(ctx, known)
	if err != nil {
		return fmt.Errorf("source discovery failed: %w", err)
	}
	d.logger.Info("Discovered source files.", "files", len(files))

	for start := 0; start < len(files); start += d.cfg.DocumentBatchSize {
		batch := files[start:min(start+d.cfg.DocumentBatchSize, len(files))]
		d.runBatch(ctx, batch)
	}

	return d.processPending(ctx)
}

// runBatch registers the batch's unknown documents, then processes those
// that are still Pending immediately after registration. Every failure is
// logged and isolated to its document.
func (d *Driver) runBatch(ctx context.Context, batch []source.File) {
	d.logger.Info("Processing batch.", "size", len(batch))

	var inserted []source.File
	for _, f := range batch {
		registered, err := d.ensureRegistered(ctx, f)
		if err != nil {
			d.logger.Error("Failed to register document, continuing batch.",
				"document", f.Name, "error", err)
			continue
		}
		if registered {
			inserted = append(inserted, f)
		}
	}

	for _, f := range inserted {
		doc, err := d.registry.GetDocument(ctx, models.ByName(f.Name))
		if err != nil {
			d.logger.Error("Failed to fetch status after registration.",
				"document", f.Name, "error", err)
			continue
		}
		if doc.Status != models.StatusPending {
			d.logger.Info("Skipping document.", "document", f.Name, "status", doc.Status)
			continue
		}
		d.logger.Info("Started processing document.", "document", f.Name)
		if err := d.proc.Process(ctx, f.Name, f.Path); err != nil {
			d.logger.Error("Document processing failed, continuing batch.",
				"document", f.Name, "error", err)
			continue
		}
		d.logger.Info("Finished processing document.", "document", f.Name)
	}
}

// ensureRegistered uploads and upserts a document the registry has never
// seen. It reports whether the document was newly registered.
func (d *Driver) ensureRegistered(ctx context.Context, f source.File) (bool, error) {
	_, err := d.registry.GetDocument(ctx, models.ByName(f.Name))
	if err == nil {
		d.logger.Info("Document already registered, skipping.", "document", f.Name)
		return false, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return false, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	publicURL, err := d.store.UploadPDF(ctx, data, PDFObjectKey(f.Name))
	if err != nil {
		return false, err
	}
	if err := d.registry.UpsertDocument(ctx, f.Name, f.Path, publicURL, f.URL); err != nil {
		return false, err
	}
	return true, nil
}

// processPending sweeps every registry-Pending document in batches, covering
// documents left over from earlier failed runs.
func (d *Driver) processPending(ctx context.Context) error {
	pending, err := d.registry.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		d.logger.Info("No pending documents to process.")
		return nil
	}

	for start := 0; start < len(pending); start += d.cfg.PendingBatchSize {
		batch := pending[start:min(start+d.cfg.PendingBatchSize, len(pending))]
		d.logger.Info("Processing pending batch.", "size", len(batch))
		for _, doc := range batch {
			path := d.localPath(doc)
			if err := d.proc.Process(ctx, doc.Name, path); err != nil {
				d.logger.Error("Pending document processing failed, continuing.",
					"document", doc.Name, "error", err)
			}
		}
	}
	return nil
}

// localPath resolves where a pending document's PDF lives on disk: Drive
// documents were downloaded to scratch space under their own name.
func (d *Driver) localPath(doc models.Document) string {
	if strings.Contains(doc.StoragePath, "drive.google.com") {
		return filepath.Join(d.cfg.TempDir, doc.Name)
	}
	return doc.StoragePath
}
