package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"stackops/internal/config"
	"stackops/internal/errors"
)

// GCSStorageProvider implements StorageProvider for Google Cloud Storage
type GCSStorageProvider struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStorageProvider creates a new GCSStorageProvider instance
func NewGCSStorageProvider(ctx context.Context, cfg config.GCSConf) (*GCSStorageProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("GCS bucket is required", nil)
	}

	var client *storage.Client
	var err error
	if cfg.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	} else {
		// default credentials from the environment or metadata server
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, errors.NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorageProvider{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Name identifies the provider
func (p *GCSStorageProvider) Name() string { return "gcs" }

// Upload stores the bundle as a GCS object
func (p *GCSStorageProvider) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot open bundle %s", localPath), err)
	}
	defer f.Close()

	key := objectKey(p.prefix, objectName)
	w := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return errors.NewStorageError(
			fmt.Sprintf("failed to upload bundle to gs://%s/%s", p.bucket, key), err)
	}
	if err := w.Close(); err != nil {
		return errors.NewStorageError(
			fmt.Sprintf("failed to finalize gs://%s/%s", p.bucket, key), err)
	}
	return nil
}

// Close releases the GCS client
func (p *GCSStorageProvider) Close() error {
	return p.client.Close()
}
