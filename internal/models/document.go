package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through the pipeline. A document only
// moves Pending -> Done or Pending -> Failed; both end states are terminal.
type DocumentStatus string

const (
	StatusPending DocumentStatus = "Pending"
	StatusFailed  DocumentStatus = "Failed"
	StatusDone    DocumentStatus = "Done"
)

// TextStatus tracks per-page text extraction. Pending -> Done only.
type TextStatus string

const (
	TextPending TextStatus = "Pending"
	TextDone    TextStatus = "Done"
)

// Document is the master record for one source PDF.
//
// StoragePath holds the local path the file was first seen at, or the Drive
// URL when the file came from Google Drive. Both StoragePath and Slug are
// globally unique. PageCount stays null until counting succeeds and is never
// changed afterwards.
type Document struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Name        string         `gorm:"uniqueIndex;not null"`
	Slug        string         `gorm:"size:50;uniqueIndex;not null"`
	StoragePath string         `gorm:"uniqueIndex;not null"`
	PublicURL   string         ``
	PageCount   *int           ``
	Status      DocumentStatus `gorm:"default:Pending;index"`

	// Classification flags, tags and auxiliary processing fields are filled
	// in by downstream consumers; this pipeline only ever creates them null.
	IsDatasheet      *bool   ``
	IsMPNSpecific    *bool   ``
	IsSeriesSpecific *bool   ``
	HasMPNBuilder    *bool   ``
	ExtraTags        *string `gorm:"type:text"`

	TaggerRawResponse  *string `gorm:"type:text"`
	TaggerError        *string `gorm:"type:text"`
	JsonifyRawResponse *string `gorm:"type:text"`
	JsonifyJSON        *string `gorm:"type:text"`
	JsonifyError       *string `gorm:"type:text"`
	PDExtRawResponse   *string `gorm:"type:text"`
	PDExtList          *string `gorm:"type:text"`
	PDExtError         *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Page is one rendered page of a Document. PageOrder is 0-based and, after a
// successful run, contiguous across the document. FileName follows the
// "{slug}_{order}.png" convention and is how text extraction finds the row
// created by the image-upload phase.
type Page struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	DocumentID    uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_pages_doc_order,priority:1"`
	PageOrder     int        `gorm:"not null;uniqueIndex:idx_pages_doc_order,priority:2"`
	FileName      string     `gorm:"not null;index"`
	PublicURL     string     ``
	ExtractedText *string    `gorm:"type:text"`
	TextStatus    TextStatus `gorm:"default:Pending"`
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
}

// PageFileName derives the registry file name for a page of a document.
func PageFileName(slug string, order int) string {
	return fmt.Sprintf("%s_%d.png", slug, order)
}

// PageObjectKey derives the storage object key for a page image.
func PageObjectKey(slug string, order int) string {
	return fmt.Sprintf("%s/%d.png", slug, order)
}
