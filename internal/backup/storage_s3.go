package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"stackops/internal/config"
	"stackops/internal/errors"
)

// S3StorageProvider implements StorageProvider for Amazon S3
type S3StorageProvider struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3StorageProvider creates a new S3StorageProvider instance
func NewS3StorageProvider(cfg config.S3Conf) (*S3StorageProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("S3 bucket is required", nil)
	}
	if cfg.Region == "" {
		return nil, errors.NewValidationError("S3 region is required", nil)
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.NewStorageError("failed to create AWS session", err)
	}

	return &S3StorageProvider{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Name identifies the provider
func (p *S3StorageProvider) Name() string { return "s3" }

// Upload stores the bundle as an S3 object
func (p *S3StorageProvider) Upload(ctx context.Context, localPath, objectName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("cannot open bundle %s", localPath), err)
	}
	defer f.Close()

	key := objectKey(p.prefix, objectName)
	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return errors.NewStorageError(
			fmt.Sprintf("failed to upload bundle to s3://%s/%s", p.bucket, key), err)
	}
	return nil
}
