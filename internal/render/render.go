// Package render wraps the PDF primitives the pipeline treats as a black
// box: page counting, page rasterization in batches, and per-page text
// extraction with a fallback path.
package render

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	ledongthuc "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageImage is one rasterized page. Index is the 0-based page order.
type PageImage struct {
	Index int
	Image image.Image
}

// PageText is the extracted text of one page. Index is the 0-based page
// order; Text may be empty when both extractors failed for that page.
type PageText struct {
	Index int
	Text  string
}

// Renderer provides the page-level primitives.
type Renderer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Renderer {
	return &Renderer{logger: logger.With("component", "render")}
}

// CountPages returns the page count of the PDF at path.
func (r *Renderer) CountPages(path string) (int, error) {
	count, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", path, err)
	}
	return count, nil
}

// RenderPages rasterizes every page of the PDF at the given DPI and hands
// them to fn in fixed-size batches, in page order. The sequence is consumed
// once; a second call re-renders from the start. Rendering stops at the
// first fn error or context cancellation.
func (r *Renderer) RenderPages(ctx context.Context, path string, dpi, batchSize int, fn func([]PageImage) error) error {
	doc, err := fitz.New(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for rendering: %w", path, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	r.logger.Info("Rendering pages.", "path", path, "pageCount", pageCount, "dpi", dpi)
	if batchSize <= 0 {
		batchSize = pageCount
	}

	for start := 0; start < pageCount; start += batchSize {
		end := min(start+batchSize, pageCount)
		batch := make([]PageImage, 0, end-start)
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := doc.ImageDPI(i, float64(dpi))
			if err != nil {
				return fmt.Errorf("failed to render page %d of %s: %w", i, path, err)
			}
			batch = append(batch, PageImage{Index: i, Image: img})
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// ExtractText extracts the text of every page. A page-level failure of the
// primary extractor falls back to the secondary one for that page only; when
// the fallback also fails the page yields empty text instead of aborting the
// document.
func (r *Renderer) ExtractText(ctx context.Context, path string) ([]PageText, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for text extraction: %w", path, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	pages := make([]PageText, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := doc.Text(i)
		if err != nil {
			r.logger.Error("Primary text extraction failed, trying fallback.",
				"path", path, "page", i, "error", err)
			if text, err = fallbackText(path, i); err != nil {
				r.logger.Error("Fallback text extraction failed, yielding empty text.",
					"path", path, "page", i, "error", err)
				text = ""
			}
		}
		pages = append(pages, PageText{Index: i, Text: ScrubText(text)})
	}
	return pages, nil
}

// fallbackText extracts one page's text with the secondary extractor.
func fallbackText(path string, index int) (string, error) {
	file, reader, err := ledongthuc.Open(path)
	if err != nil {
		return "", fmt.Errorf("fallback failed to open %s: %w", path, err)
	}
	defer file.Close()

	page := reader.Page(index + 1) // 1-based
	if page.V.IsNull() {
		return "", fmt.Errorf("fallback found no page %d in %s", index, path)
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("fallback failed on page %d of %s: %w", index, path, err)
	}
	return text, nil
}

// ScrubText drops NUL bytes and coerces the text to valid UTF-8 so it can be
// stored in a text column.
func ScrubText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ToValidUTF8(s, "�")
}
