package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	mio "github.com/you-humble/asrtask/core/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioStore struct {
	db       *minio.Client
	bucket   string
	basePath string
}

func NewMinIOStore(ctx context.Context, cfg mio.Config) (*minioStore, error) {
	mioClient, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &minioStore{
		db:       mioClient,
		bucket:   cfg.Bucket,
		basePath: basePath,
	}, nil
}

func (s *minioStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	objectName, err := objectName(s.basePath, name)
	if err != nil {
		return err
	}

	_, err = s.db.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectName, err)
	}
	return nil
}

func objectName(basePath, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty object name")
	}

	clean := path.Clean(name)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid object name: %s", name)
	}

	return basePath + strings.TrimLeft(clean, "/"), nil
}
