// Package registry is the persistence layer for document and page state.
// Every operation is a self-contained unit of work against a fresh session;
// long batches must survive idle-connection drops, so nothing here assumes a
// previous call's connection is still alive.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatmro/datasheet-pipeline/internal/models"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("registry: record not found")

// slugMaxLen bounds the slug column width.
const slugMaxLen = 50

// PageCounter counts the pages of a PDF on disk. The renderer satisfies it;
// the registry needs it when registering a new document.
type PageCounter interface {
	CountPages(path string) (int, error)
}

// Config controls connection establishment and the page-count ceiling.
type Config struct {
	// DSN is the Postgres connection string. Ignored when Dialector is set.
	DSN string
	// Dialector overrides the Postgres dialector; tests point it at SQLite.
	Dialector gorm.Dialector

	// ConnectRetries and ConnectPause bound initial connection establishment.
	// Exhausting the retries is fatal: the pipeline cannot run without
	// persistence.
	ConnectRetries int
	ConnectPause   time.Duration

	// MaxAllowedPages marks documents exceeding it Failed at registration,
	// skipping all processing.
	MaxAllowedPages int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectRetries <= 0 {
		out.ConnectRetries = 4
	}
	if out.ConnectPause <= 0 {
		out.ConnectPause = 300 * time.Second
	}
	if out.MaxAllowedPages <= 0 {
		out.MaxAllowedPages = 20
	}
	return out
}

// Registry owns the documents and pages tables.
type Registry struct {
	cfg     Config
	counter PageCounter
	logger  *slog.Logger

	mu sync.Mutex
	db *gorm.DB
}

// New connects to the database, retrying per cfg, and migrates the schema.
func New(cfg Config, counter PageCounter, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:     cfg.withDefaults(),
		counter: counter,
		logger:  logger.With("component", "registry"),
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.ConnectRetries; attempt++ {
		if lastErr = r.initialize(); lastErr == nil {
			r.logger.Info("Database connection established.")
			return r, nil
		}
		r.logger.Error("Database connection attempt failed.",
			"attempt", attempt, "maxRetries", r.cfg.ConnectRetries, "error", lastErr)
		if attempt < r.cfg.ConnectRetries {
			time.Sleep(r.cfg.ConnectPause)
		}
	}
	return nil, fmt.Errorf("database connection failed after %d attempts: %w",
		r.cfg.ConnectRetries, lastErr)
}

func (r *Registry) dialector() gorm.Dialector {
	if r.cfg.Dialector != nil {
		return r.cfg.Dialector
	}
	return postgres.Open(r.cfg.DSN)
}

// initialize opens a fresh connection pool and migrates the schema.
func (r *Registry) initialize() error {
	db, err := gorm.Open(r.dialector(), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&models.Document{}, &models.Page{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	r.db = db
	return nil
}

// session returns a request-scoped handle backed by a live pool. On a dead
// pool it re-initializes once and retries the liveness check exactly once; a
// second failure propagates to the caller.
func (r *Registry) session(ctx context.Context) (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ping(ctx); err != nil {
		r.logger.Warn("Connection pool unavailable, re-initializing.", "error", err)
		if err := r.initialize(); err != nil {
			return nil, fmt.Errorf("failed to re-initialize database: %w", err)
		}
		if err := r.ping(ctx); err != nil {
			return nil, fmt.Errorf("database unavailable after re-initialization: %w", err)
		}
	}
	return r.db.WithContext(ctx).Session(&gorm.Session{NewDB: true}), nil
}

func (r *Registry) ping(ctx context.Context) error {
	if r.db == nil {
		return errors.New("no connection pool")
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertDocument registers a source PDF. A record with the same storage path
// makes it a logged no-op. Otherwise the document is inserted with its page
// count (null when counting fails) and status Pending, or Failed outright
// when the count exceeds the configured maximum. When driveURL is non-empty
// it becomes the stored path, keeping the Drive origin authoritative.
func (r *Registry) UpsertDocument(ctx context.Context, name, path, publicURL, driveURL string) error {
	db, err := r.session(ctx)
	if err != nil {
		return err
	}

	storagePath := path
	if driveURL != "" {
		storagePath = driveURL
	}

	var count int64
	if err := db.Model(&models.Document{}).
		Where("storage_path IN ?", []string{path, storagePath}).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check for existing document: %w", err)
	}
	if count > 0 {
		r.logger.Info("Document already registered, skipping insert.", "path", storagePath)
		return nil
	}

	var pageCount *int
	status := models.StatusPending
	if n, err := r.counter.CountPages(path); err != nil {
		r.logger.Warn("Failed to count pages, registering without a count.",
			"path", path, "error", err)
	} else {
		pageCount = &n
		if n > r.cfg.MaxAllowedPages {
			status = models.StatusFailed
			r.logger.Warn("Page count exceeds limit, marking document Failed.",
				"name", name, "pageCount", n, "maxAllowed", r.cfg.MaxAllowedPages)
		}
	}

	docSlug, err := r.uniqueSlug(db, name, storagePath)
	if err != nil {
		return err
	}

	doc := models.Document{
		ID:          uuid.New(),
		Name:        name,
		Slug:        docSlug,
		StoragePath: storagePath,
		PublicURL:   publicURL,
		PageCount:   pageCount,
		Status:      status,
	}
	if err := db.Create(&doc).Error; err != nil {
		return fmt.Errorf("failed to insert document %q: %w", name, err)
	}
	r.logger.Info("Registered new document.", "name", name, "slug", docSlug, "status", status)
	return nil
}

// uniqueSlug derives the bounded slug for a name, suffixing with a short
// path digest when another document already holds it.
func (r *Registry) uniqueSlug(db *gorm.DB, name, path string) (string, error) {
	candidate := truncate(slug.Make(name), slugMaxLen)

	var count int64
	if err := db.Model(&models.Document{}).
		Where("slug = ?", candidate).Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check slug uniqueness: %w", err)
	}
	if count == 0 {
		return candidate, nil
	}

	sum := sha256.Sum256([]byte(path))
	suffix := "-" + hex.EncodeToString(sum[:4])
	candidate = truncate(candidate, slugMaxLen-len(suffix)) + suffix
	r.logger.Info("Slug collision, using suffixed slug.", "name", name, "slug", candidate)
	return candidate, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetDocument looks a document up by the given key.
func (r *Registry) GetDocument(ctx context.Context, key models.DocumentKey) (*models.Document, error) {
	db, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	column, value := key.Column()
	var doc models.Document
	if err := db.Where(column+" = ?", value).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up document by %s: %w", key, err)
	}
	return &doc, nil
}

// GetStatus returns the processing status for a document name.
func (r *Registry) GetStatus(ctx context.Context, name string) (models.DocumentStatus, error) {
	doc, err := r.GetDocument(ctx, models.ByName(name))
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

// ListAllDocumentNames returns the display names of every registered document.
func (r *Registry) ListAllDocumentNames(ctx context.Context) ([]string, error) {
	db, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := db.Model(&models.Document{}).Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list document names: %w", err)
	}
	return names, nil
}

// ListPending returns every document still awaiting processing.
func (r *Registry) ListPending(ctx context.Context) ([]models.Document, error) {
	db, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	var docs []models.Document
	if err := db.Where("status = ?", models.StatusPending).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", err)
	}
	return docs, nil
}

// MarkDone sets a document's status to Done. A missing record is a logged
// no-op rather than an error.
func (r *Registry) MarkDone(ctx context.Context, id uuid.UUID) error {
	db, err := r.session(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.Document{}).Where("id = ?", id).
		Update("status", models.StatusDone)
	if res.Error != nil {
		return fmt.Errorf("failed to mark document %s done: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Warn("No document found to mark done.", "documentId", id)
		return nil
	}
	r.logger.Info("Document marked done.", "documentId", id)
	return nil
}

// InsertPage records an uploaded page image. Re-entry after a crashed run
// may present the same (document, order) pair again; the conflict is
// swallowed so reprocessing neither duplicates rows nor aborts.
func (r *Registry) InsertPage(ctx context.Context, documentID uuid.UUID, fileName string, order int, publicURL string) error {
	db, err := r.session(ctx)
	if err != nil {
		return err
	}
	page := models.Page{
		ID:         uuid.New(),
		DocumentID: documentID,
		PageOrder:  order,
		FileName:   fileName,
		PublicURL:  publicURL,
		TextStatus: models.TextPending,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "page_order"}},
		DoNothing: true,
	}).Create(&page)
	if res.Error != nil {
		return fmt.Errorf("failed to insert page %s: %w", fileName, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Info("Page already recorded, skipping.", "fileName", fileName, "order", order)
		return nil
	}
	r.logger.Info("Inserted page record.", "fileName", fileName, "order", order)
	return nil
}

// FindPageID resolves a page by file name scoped to its document.
func (r *Registry) FindPageID(ctx context.Context, fileName string, documentID uuid.UUID) (uuid.UUID, error) {
	db, err := r.session(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var page models.Page
	if err := db.Select("id").
		Where("file_name = ? AND document_id = ?", fileName, documentID).
		First(&page).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to look up page %s: %w", fileName, err)
	}
	return page.ID, nil
}

// SetPageText stores a page's extracted text and advances its text status to
// Done. A missing page is a logged no-op.
func (r *Registry) SetPageText(ctx context.Context, pageID uuid.UUID, text string) error {
	db, err := r.session(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&models.Page{}).Where("id = ?", pageID).
		Updates(map[string]any{
			"extracted_text": text,
			"text_status":    models.TextDone,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update text for page %s: %w", pageID, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Warn("No page found to update text for.", "pageId", pageID)
	}
	return nil
}
