package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chatmro/datasheet-pipeline/internal/models"
	"github.com/chatmro/datasheet-pipeline/internal/registry"
	"github.com/chatmro/datasheet-pipeline/internal/render"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry mirrors the real registry's observable semantics in memory.
type fakeRegistry struct {
	mu         sync.Mutex
	maxPages   int
	pageCounts map[string]int // storage path -> page count at upsert
	docs       []*models.Document
	pages      []*models.Page

	// missingPages makes FindPageID report the file name as absent.
	missingPages map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		maxPages:     20,
		pageCounts:   map[string]int{},
		missingPages: map[string]bool{},
	}
}

func (f *fakeRegistry) UpsertDocument(_ context.Context, name, path, publicURL, driveURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	storagePath := path
	if driveURL != "" {
		storagePath = driveURL
	}
	for _, d := range f.docs {
		if d.StoragePath == storagePath || d.StoragePath == path {
			return nil
		}
	}

	status := models.StatusPending
	var pageCount *int
	if n, ok := f.pageCounts[path]; ok {
		count := n
		pageCount = &count
		if count > f.maxPages {
			status = models.StatusFailed
		}
	}
	f.docs = append(f.docs, &models.Document{
		ID:          uuid.New(),
		Name:        name,
		Slug:        PDFObjectKey(name),
		StoragePath: storagePath,
		PublicURL:   publicURL,
		PageCount:   pageCount,
		Status:      status,
	})
	return nil
}

func (f *fakeRegistry) GetDocument(_ context.Context, key models.DocumentKey) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	column, value := key.Column()
	for _, d := range f.docs {
		if (column == "name" && d.Name == value) ||
			(column == "storage_path" && d.StoragePath == value) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (f *fakeRegistry) ListAllDocumentNames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.docs))
	for _, d := range f.docs {
		names = append(names, d.Name)
	}
	return names, nil
}

func (f *fakeRegistry) ListPending(_ context.Context) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []models.Document
	for _, d := range f.docs {
		if d.Status == models.StatusPending {
			pending = append(pending, *d)
		}
	}
	return pending, nil
}

func (f *fakeRegistry) MarkDone(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.ID == id {
			d.Status = models.StatusDone
			return nil
		}
	}
	return nil
}

func (f *fakeRegistry) InsertPage(_ context.Context, documentID uuid.UUID, fileName string, order int, publicURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.DocumentID == documentID && p.PageOrder == order {
			return nil
		}
	}
	f.pages = append(f.pages, &models.Page{
		ID:         uuid.New(),
		DocumentID: documentID,
		PageOrder:  order,
		FileName:   fileName,
		PublicURL:  publicURL,
		TextStatus: models.TextPending,
	})
	return nil
}

func (f *fakeRegistry) FindPageID(_ context.Context, fileName string, documentID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingPages[fileName] {
		return uuid.Nil, registry.ErrNotFound
	}
	for _, p := range f.pages {
		if p.FileName == fileName && p.DocumentID == documentID {
			return p.ID, nil
		}
	}
	return uuid.Nil, registry.ErrNotFound
}

func (f *fakeRegistry) SetPageText(_ context.Context, pageID uuid.UUID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		if p.ID == pageID {
			t := text
			p.ExtractedText = &t
			p.TextStatus = models.TextDone
			return nil
		}
	}
	return nil
}

func (f *fakeRegistry) markDoneByName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.Name == name {
			d.Status = models.StatusDone
		}
	}
}

func (f *fakeRegistry) doc(name string) *models.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.Name == name {
			copied := *d
			return &copied
		}
	}
	return nil
}

func (f *fakeRegistry) pagesFor(documentID uuid.UUID) []models.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Page
	for _, p := range f.pages {
		if p.DocumentID == documentID {
			out = append(out, *p)
		}
	}
	return out
}

// fakeStore records uploads in memory; failImageKey makes one image upload
// fail to exercise stage-level abort.
type fakeStore struct {
	mu           sync.Mutex
	images       map[string][]byte
	pdfs         map[string][]byte
	failImageKey string
}

func newFakeStore() *fakeStore {
	return &fakeStore{images: map[string][]byte{}, pdfs: map[string][]byte{}}
}

func (f *fakeStore) UploadImage(_ context.Context, data []byte, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failImageKey {
		return "", fmt.Errorf("upload of %s rejected", key)
	}
	f.images[key] = data
	return "https://storage.googleapis.com/images/" + key, nil
}

func (f *fakeStore) UploadPDF(_ context.Context, data []byte, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pdfs[key] = data
	return "https://storage.googleapis.com/pdfs/" + key, nil
}

func (f *fakeStore) imageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

// fakeRenderer serves synthetic pages. texts overrides the default text of a
// page, standing in for fallback-extractor output.
type fakeRenderer struct {
	mu          sync.Mutex
	pageCount   int
	texts       map[int]string
	renderCalls int
}

func newFakeRenderer(pageCount int) *fakeRenderer {
	return &fakeRenderer{pageCount: pageCount, texts: map[int]string{}}
}

func (f *fakeRenderer) RenderPages(ctx context.Context, _ string, _, batchSize int, fn func([]render.PageImage) error) error {
	f.mu.Lock()
	f.renderCalls++
	f.mu.Unlock()

	if batchSize <= 0 {
		batchSize = f.pageCount
	}
	for start := 0; start < f.pageCount; start += batchSize {
		end := min(start+batchSize, f.pageCount)
		batch := make([]render.PageImage, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, render.PageImage{
				Index: i,
				Image: image.NewRGBA(image.Rect(0, 0, 1, 1)),
			})
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRenderer) ExtractText(_ context.Context, _ string) ([]render.PageText, error) {
	pages := make([]render.PageText, 0, f.pageCount)
	for i := 0; i < f.pageCount; i++ {
		text := fmt.Sprintf("page %d text", i)
		if t, ok := f.texts[i]; ok {
			text = t
		}
		pages = append(pages, render.PageText{Index: i, Text: text})
	}
	return pages, nil
}

func (f *fakeRenderer) renders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderCalls
}
