package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"stackops/internal/config"
	"stackops/internal/errors"
)

// AzureStorageProvider implements StorageProvider for Azure Blob Storage
type AzureStorageProvider struct {
	serviceURL    azblob.ServiceURL
	containerName string
	prefix        string
}

// NewAzureStorageProvider creates a new AzureStorageProvider instance
func NewAzureStorageProvider(cfg config.AzureConf) (*AzureStorageProvider, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, errors.NewValidationError("Azure account name and key are required", nil)
	}
	if cfg.ContainerName == "" {
		return nil, errors.NewValidationError("Azure container name is required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, errors.NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, errors.NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureStorageProvider{
		serviceURL:    azblob.NewServiceURL(*serviceURL, pipeline),
		containerName: cfg.ContainerName,
		prefix:        cfg.Prefix,
	}, nil
}

// Name identifies the provider
func (p *AzureStorageProvider) Name() string { return "azure" }

// Upload stores the bundle as a block blob
func (p *AzureStorageProvider) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot open bundle %s", localPath), err)
	}
	defer f.Close()

	key := objectKey(p.prefix, objectName)
	blobURL := p.serviceURL.NewContainerURL(p.containerName).NewBlockBlobURL(key)

	_, err = azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
	})
	if err != nil {
		return errors.NewStorageError(
			fmt.Sprintf("failed to upload bundle to azure://%s/%s", p.containerName, key), err)
	}
	return nil
}
