package data

import (
	"context"
	"fmt"
	"io"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"MediaForge/internal/conf"
)

// NewMinioClient creates the MinIO client for artifact storage and ensures
// the configured bucket exists.
func NewMinioClient(c *conf.Storage, logger log.Logger) (*minio.Client, error) {
	l := log.NewHelper(logger)

	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		l.Infow("created artifact bucket", "bucket", c.Bucket)
	}

	l.Infow("minio client initialized", "endpoint", c.Endpoint, "bucket", c.Bucket)
	return client, nil
}

// ArtifactStoreImpl implements biz.ArtifactStore on MinIO object storage.
type ArtifactStoreImpl struct {
	client *minio.Client
	bucket string
	logger *log.Helper
}

// NewArtifactStore creates a new artifact store
func NewArtifactStore(client *minio.Client, c *conf.Storage, logger log.Logger) *ArtifactStoreImpl {
	return &ArtifactStoreImpl{
		client: client,
		bucket: c.Bucket,
		logger: log.NewHelper(logger),
	}
}

// Put uploads an artifact under the given key and returns its storage
// location as "bucket/key".
func (s *ArtifactStoreImpl) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	s.logger.Debugw("artifact uploaded",
		"key", key,
		"size", info.Size,
		"etag", info.ETag)

	return fmt.Sprintf("%s/%s", s.bucket, key), nil
}
