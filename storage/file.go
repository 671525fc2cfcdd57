package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// FileProvider implements a storage provider using the local file system.
// It exists for development and testing; blobs are stored under the
// configured base directory keyed by their storage key.
type FileProvider struct {
	baseDir string
	baseURL string
	log     *slog.Logger
}

// NewFileProvider creates a file storage provider rooted at baseDir.
func NewFileProvider(baseDir, baseURL string, log *slog.Logger) (*FileProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	if baseURL == "" {
		baseURL = "file://" + baseDir
	}

	return &FileProvider{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log,
	}, nil
}

// Upload writes the blob under its storage key.
func (p *FileProvider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	path := p.filePath(in.Key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: %v", interfaces.ErrTransientUpload, err)
	}

	if err := os.WriteFile(path, in.Data, 0644); err != nil {
		return interfaces.UploadResult{}, fmt.Errorf("%w: %v", interfaces.ErrTransientUpload, err)
	}

	p.log.Debug("Stored blob in file backend",
		slog.String("path", path),
		slog.Int("size", len(in.Data)))

	return interfaces.UploadResult{
		URL:      p.URL(in.Key),
		Key:      in.Key,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendFile,
	}, nil
}

// Fetch reads a blob back by its storage key.
func (p *FileProvider) Fetch(ctx context.Context, key string) ([]byte, error) {
	path := p.filePath(key)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, interfaces.ErrContentNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Delete removes the blob file. Deleting a missing key is not an error.
func (p *FileProvider) Delete(ctx context.Context, key string) error {
	err := os.Remove(p.filePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// URL renders the public URL for a key. Pure, no I/O.
func (p *FileProvider) URL(key string) string {
	return p.baseURL + "/" + key
}

// Available reports whether the provider is configured. The base directory
// was created at construction, so a constructed provider is available.
func (p *FileProvider) Available() bool {
	return p.baseDir != ""
}

// Kind returns the backend kind this provider serves.
func (p *FileProvider) Kind() interfaces.BackendKind {
	return interfaces.BackendFile
}

// Name returns a unique identifier for this provider.
func (p *FileProvider) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(p.baseDir))
}

func (p *FileProvider) filePath(key string) string {
	// Keys use forward slashes regardless of platform.
	return filepath.Join(p.baseDir, filepath.FromSlash(key))
}
