// Package drive lists and fetches source PDFs from a Google Drive folder.
package drive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	downloadRetries = 5
	downloadPause   = 2 * time.Second
)

// RemoteFile is one listing entry from the Drive folder.
type RemoteFile struct {
	Name string
	ID   string
}

// Download is a fetched file: its normalized name, local scratch path, and
// the Drive URL it came from.
type Download struct {
	Name string
	Path string
	URL  string
}

// Manager enumerates a Drive folder and downloads new files to scratch space.
type Manager struct {
	service  *drive.Service
	folderID string
	tmpDir   string
	pause    time.Duration
	// fetch opens the content stream of one remote file. Tests stub it.
	fetch  func(ctx context.Context, id string) (io.ReadCloser, error)
	logger *slog.Logger
}

// NewManager builds a Drive client from a service-account credentials file.
func NewManager(ctx context.Context, credentialsPath, folderID, tmpDir string, logger *slog.Logger) (*Manager, error) {
	service, err := drive.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	m := &Manager{
		service:  service,
		folderID: folderID,
		tmpDir:   tmpDir,
		pause:    downloadPause,
		logger:   logger.With("component", "drive"),
	}
	m.fetch = func(ctx context.Context, id string) (io.ReadCloser, error) {
		res, err := m.service.Files.Get(id).Context(ctx).Download()
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
	return m, nil
}

// ListFiles enumerates every non-trashed file in the folder, following
// pagination to the end.
func (m *Manager) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	var all []RemoteFile
	pageToken := ""
	for {
		call := m.service.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed=false", m.folderID)).
			Fields("nextPageToken, files(id, name)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list drive folder %s: %w", m.folderID, err)
		}
		for _, f := range res.Files {
			all = append(all, RemoteFile{Name: f.Name, ID: f.Id})
		}
		pageToken = res.NextPageToken
		if pageToken == "" {
			return all, nil
		}
	}
}

// FileURL is the shareable URL for a Drive file id.
func FileURL(id string) string {
	return fmt.Sprintf("https://drive.google.com/uc?id=%s", id)
}

// NormalizePDFName strips any query-string suffix from a remote file name and
// guarantees a single ".pdf" extension. Comparisons against registry state
// always happen post-normalization.
func NormalizePDFName(name string) string {
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(name, ".pdf"); i >= 0 {
		name = name[:i]
	}
	return name + ".pdf"
}

// CheckAndDownloadNew lists the folder, diffs the normalized names against
// knownNames, and downloads only the new files.
func (m *Manager) CheckAndDownloadNew(ctx context.Context, knownNames []string) ([]Download, error) {
	remote, err := m.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(knownNames))
	for _, name := range knownNames {
		known[name] = struct{}{}
	}

	var fresh []RemoteFile
	for _, f := range remote {
		if _, ok := known[NormalizePDFName(f.Name)]; !ok {
			fresh = append(fresh, f)
		}
	}
	m.logger.Info("Checked drive folder for new files.",
		"remote", len(remote), "new", len(fresh))

	downloads := make([]Download, 0, len(fresh))
	for _, f := range fresh {
		name, path, err := m.DownloadFile(ctx, f.ID, f.Name)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, Download{Name: name, Path: path, URL: FileURL(f.ID)})
		m.logger.Info("Downloaded new file from drive.", "name", name)
	}
	return downloads, nil
}

// DownloadFile fetches one file into scratch space, retrying transient
// failures with a fixed pause. On final failure the partial local file is
// removed before the error propagates.
func (m *Manager) DownloadFile(ctx context.Context, id, name string) (string, string, error) {
	normalized := NormalizePDFName(name)
	localPath := filepath.Join(m.tmpDir, normalized)

	var lastErr error
	for attempt := 1; attempt <= downloadRetries; attempt++ {
		if lastErr = m.downloadOnce(ctx, id, localPath); lastErr == nil {
			m.logger.Info("Download completed.", "name", normalized, "path", localPath)
			return normalized, localPath, nil
		}
		m.logger.Error("Download failed.",
			"name", normalized, "attempt", attempt, "maxRetries", downloadRetries, "error", lastErr)
		if attempt < downloadRetries {
			select {
			case <-time.After(m.pause):
			case <-ctx.Done():
				m.removePartial(localPath)
				return "", "", fmt.Errorf("download of %s canceled: %w", normalized, ctx.Err())
			}
		}
	}
	m.removePartial(localPath)
	return "", "", fmt.Errorf("failed to download %s after %d attempts: %w",
		normalized, downloadRetries, lastErr)
}

func (m *Manager) removePartial(localPath string) {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to clean up partial download.", "path", localPath, "error", err)
	}
}

func (m *Manager) downloadOnce(ctx context.Context, id, localPath string) error {
	body, err := m.fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to request file %s: %w", id, err)
	}
	defer body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}
