// Package pipeline drives documents from discovery to Done: the per-document
// orchestrator and the batch driver that feeds it.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/sync/errgroup"

	"github.com/chatmro/datasheet-pipeline/internal/models"
	"github.com/chatmro/datasheet-pipeline/internal/registry"
	"github.com/chatmro/datasheet-pipeline/internal/render"
)

// Registry is the persistence surface the pipeline drives. The concrete
// implementation lives in internal/registry.
type Registry interface {
	UpsertDocument(ctx context.Context, name, path, publicURL, driveURL string) error
	GetDocument(ctx context.Context, key models.DocumentKey) (*models.Document, error)
	ListAllDocumentNames(ctx context.Context) ([]string, error)
	ListPending(ctx context.Context) ([]models.Document, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	InsertPage(ctx context.Context, documentID uuid.UUID, fileName string, order int, publicURL string) error
	FindPageID(ctx context.Context, fileName string, documentID uuid.UUID) (uuid.UUID, error)
	SetPageText(ctx context.Context, pageID uuid.UUID, text string) error
}

// ArtifactStore uploads blobs and returns their public URLs.
type ArtifactStore interface {
	UploadImage(ctx context.Context, data []byte, key string) (string, error)
	UploadPDF(ctx context.Context, data []byte, key string) (string, error)
}

// Renderer is the black-box page boundary.
type Renderer interface {
	RenderPages(ctx context.Context, path string, dpi, batchSize int, fn func([]render.PageImage) error) error
	ExtractText(ctx context.Context, path string) ([]render.PageText, error)
}

// Config sizes the pipeline's batches, pools and deadlines.
type Config struct {
	RenderDPI       int
	RenderBatchSize int
	// UploadWorkers bounds the image-upload pool; TextWorkers the text-write
	// pool. The two phases never overlap for one document.
	UploadWorkers int
	TextWorkers   int
	// DocumentTimeout is the overall deadline for processing one document.
	DocumentTimeout time.Duration

	DocumentBatchSize int
	PendingBatchSize  int
	// TempDir is where Drive-origin documents were downloaded to.
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.RenderDPI <= 0 {
		c.RenderDPI = 100
	}
	if c.RenderBatchSize <= 0 {
		c.RenderBatchSize = 100
	}
	if c.UploadWorkers <= 0 {
		c.UploadWorkers = 9
	}
	if c.TextWorkers <= 0 {
		c.TextWorkers = 20
	}
	if c.DocumentTimeout <= 0 {
		c.DocumentTimeout = 30 * time.Minute
	}
	if c.DocumentBatchSize <= 0 {
		c.DocumentBatchSize = 15
	}
	if c.PendingBatchSize <= 0 {
		c.PendingBatchSize = 100
	}
	return c
}

// Processor drives exactly one document through upload, page rasterization,
// per-page upload, text extraction and completion.
type Processor struct {
	registry Registry
	store    ArtifactStore
	renderer Renderer
	cfg      Config
	logger   *slog.Logger
}

func NewProcessor(reg Registry, store ArtifactStore, renderer Renderer, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		registry: reg,
		store:    store,
		renderer: renderer,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "processor"),
	}
}

// Process takes the named document from its current state to Done. Re-entry
// is safe: an already-Done or Failed document is a no-op, and a document
// interrupted mid-run keeps its inserted pages for the next pass. All image
// uploads complete before text extraction starts, so page-id resolution in
// the text phase only ever races rows that already exist.
func (p *Processor) Process(ctx context.Context, name, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DocumentTimeout)
	defer cancel()
	logCtx := p.logger.With("document", name)

	doc, err := p.resolveDocument(ctx, logCtx, name, localPath)
	if err != nil {
		return err
	}
	if doc.Status != models.StatusPending {
		logCtx.Info("Document not pending, skipping.", "status", doc.Status)
		return nil
	}

	if err := p.uploadPages(ctx, logCtx, doc, localPath); err != nil {
		return fmt.Errorf("page upload failed for %s: %w", name, err)
	}
	if err := p.writeTexts(ctx, logCtx, doc, localPath); err != nil {
		return fmt.Errorf("text extraction failed for %s: %w", name, err)
	}
	if err := p.registry.MarkDone(ctx, doc.ID); err != nil {
		return err
	}
	logCtx.Info("Document processing complete.")
	return nil
}

// resolveDocument fetches the document record, registering it first (PDF
// upload + upsert) when it has never been seen.
func (p *Processor) resolveDocument(ctx context.Context, logCtx *slog.Logger, name, localPath string) (*models.Document, error) {
	doc, err := p.registry.GetDocument(ctx, models.ByName(name))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	logCtx.Info("Document not registered, uploading and registering.")
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	publicURL, err := p.store.UploadPDF(ctx, data, PDFObjectKey(name))
	if err != nil {
		return nil, err
	}
	if err := p.registry.UpsertDocument(ctx, name, localPath, publicURL, ""); err != nil {
		return nil, err
	}
	return p.registry.GetDocument(ctx, models.ByName(name))
}

// uploadPages streams page batches from the renderer and fans each batch out
// across the bounded upload pool. The pool joins per batch; any worker error
// aborts the document while leaving already-inserted pages in place.
func (p *Processor) uploadPages(ctx context.Context, logCtx *slog.Logger, doc *models.Document, localPath string) error {
	return p.renderer.RenderPages(ctx, localPath, p.cfg.RenderDPI, p.cfg.RenderBatchSize,
		func(batch []render.PageImage) error {
			logCtx.Info("Uploading page batch.", "pages", len(batch))
			eg, gctx := errgroup.WithContext(ctx)
			eg.SetLimit(p.cfg.UploadWorkers)
			for _, page := range batch {
				eg.Go(func() error {
					if err := p.uploadPage(gctx, doc, page); err != nil {
						return fmt.Errorf("page %d: %w", page.Index, err)
					}
					return nil
				})
			}
			return eg.Wait()
		})
}

func (p *Processor) uploadPage(ctx context.Context, doc *models.Document, page render.PageImage) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, page.Image); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	publicURL, err := p.store.UploadImage(ctx, buf.Bytes(), models.PageObjectKey(doc.Slug, page.Index))
	if err != nil {
		return err
	}
	return p.registry.InsertPage(ctx, doc.ID, models.PageFileName(doc.Slug, page.Index), page.Index, publicURL)
}

// writeTexts extracts every page's text and writes them across the bounded
// text pool. A page whose row cannot be resolved is logged and skipped; it
// does not abort the document.
func (p *Processor) writeTexts(ctx context.Context, logCtx *slog.Logger, doc *models.Document, localPath string) error {
	texts, err := p.renderer.ExtractText(ctx, localPath)
	if err != nil {
		return err
	}
	logCtx.Info("Writing page texts.", "pages", len(texts))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.TextWorkers)
	for _, text := range texts {
		eg.Go(func() error {
			return p.writePageText(gctx, logCtx, doc, text)
		})
	}
	return eg.Wait()
}

func (p *Processor) writePageText(ctx context.Context, logCtx *slog.Logger, doc *models.Document, text render.PageText) error {
	fileName := models.PageFileName(doc.Slug, text.Index)
	pageID, err := p.registry.FindPageID(ctx, fileName, doc.ID)
	if errors.Is(err, registry.ErrNotFound) {
		logCtx.Warn("No page record for extracted text, skipping.", "fileName", fileName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("page %d: %w", text.Index, err)
	}
	if err := p.registry.SetPageText(ctx, pageID, text.Text); err != nil {
		return fmt.Errorf("page %d: %w", text.Index, err)
	}
	return nil
}

// PDFObjectKey is the storage key a source PDF is uploaded under.
func PDFObjectKey(name string) string {
	s := slug.Make(name)
	if len(s) > 50 {
		s = s[:50]
	}
	return s
}
