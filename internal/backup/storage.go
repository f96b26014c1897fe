package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"stackops/internal/config"
	"stackops/internal/errors"
)

// StorageProvider uploads finished bundles to an object store. Upload
// failures are warnings for the backup run unless the remote target is
// marked required.
type StorageProvider interface {
	// Upload stores the local file under the given object name
	Upload(ctx context.Context, localPath, objectName string) error
	// Name identifies the provider for logs and notifications
	Name() string
}

// NewStorageProvider builds the configured provider
func NewStorageProvider(ctx context.Context, cfg config.RemoteConf) (StorageProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "s3":
		return NewS3StorageProvider(cfg.S3)
	case "gcs":
		return NewGCSStorageProvider(ctx, cfg.GCS)
	case "azure":
		return NewAzureStorageProvider(cfg.Azure)
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unknown remote storage provider %q: must be one of s3, gcs, azure", cfg.Provider), nil)
	}
}

// LocalStorageProvider copies bundles into a second local directory,
// typically a mounted network share
type LocalStorageProvider struct {
	baseDir string
}

// NewLocalStorageProvider creates a provider rooted at baseDir
func NewLocalStorageProvider(baseDir string) (*LocalStorageProvider, error) {
	if baseDir == "" {
		return nil, errors.NewValidationError("local storage directory is required", nil)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.NewStorageError(
			fmt.Sprintf("cannot create storage directory %s", baseDir), err)
	}
	return &LocalStorageProvider{baseDir: baseDir}, nil
}

// Name identifies the provider
func (l *LocalStorageProvider) Name() string { return "local" }

// Upload copies the bundle into the storage directory
func (l *LocalStorageProvider) Upload(ctx context.Context, localPath, objectName string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot open bundle %s", localPath), err)
	}
	defer src.Close()

	destPath := filepath.Join(l.baseDir, filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.NewStorageError("cannot create destination directory", err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot create %s", destPath), err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.NewStorageError("bundle copy failed", err)
	}
	return dst.Sync()
}

// objectKey joins a configured prefix with the object name
func objectKey(prefix, objectName string) string {
	if prefix == "" {
		return objectName
	}
	return path.Join(prefix, objectName)
}
