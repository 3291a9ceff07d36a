// Package source abstracts where PDFs come from: a local folder or a Google
// Drive folder, selected at configuration time.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatmro/datasheet-pipeline/internal/drive"
)

// File is one discovered PDF. URL is empty for local files.
type File struct {
	Name string
	Path string
	URL  string
}

// Source discovers PDFs eligible for processing. knownNames are the document
// names already registered; a source may use them to skip fetching.
type Source interface {
	Discover(ctx context.Context, knownNames []string) ([]File, error)
}

// LocalFolder lists every PDF in a directory. Deduplication against the
// registry happens downstream, so knownNames is ignored here.
type LocalFolder struct {
	Dir    string
	logger *slog.Logger
}

func NewLocalFolder(dir string, logger *slog.Logger) *LocalFolder {
	return &LocalFolder{Dir: dir, logger: logger.With("component", "source")}
}

func (s *LocalFolder) Discover(ctx context.Context, _ []string) ([]File, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source folder %s: %w", s.Dir, err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pdf") {
			continue
		}
		files = append(files, File{
			Name: e.Name(),
			Path: filepath.Join(s.Dir, e.Name()),
		})
	}
	s.logger.Info("Listed local source folder.", "dir", s.Dir, "files", len(files))
	return files, nil
}

// DriveSource discovers new files in a Drive folder and downloads them to
// scratch space before handing them over.
type DriveSource struct {
	manager *drive.Manager
}

func NewDriveSource(manager *drive.Manager) *DriveSource {
	return &DriveSource{manager: manager}
}

func (s *DriveSource) Discover(ctx context.Context, knownNames []string) ([]File, error) {
	downloads, err := s.manager.CheckAndDownloadNew(ctx, knownNames)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(downloads))
	for _, d := range downloads {
		files = append(files, File{Name: d.Name, Path: d.Path, URL: d.URL})
	}
	return files, nil
}
