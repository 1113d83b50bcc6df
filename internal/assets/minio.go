// Package assets tracks the uploaded image assets referenced by
// image-kind fields. The engine only needs presence and a viewing URL;
// the upload transport itself lives outside this service.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func New(opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Store{
		client: client,
		bucket: opts.Bucket,
		expiry: 24 * time.Hour,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func objectName(matterID string, stageNumber int, fieldKey string) string {
	return matterID + "/" + strconv.Itoa(stageNumber) + "/" + fieldKey
}

// Put stores an asset for an image field.
func (s *Store) Put(ctx context.Context, matterID string, stageNumber int, fieldKey string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName(matterID, stageNumber, fieldKey), reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload asset: %w", err)
	}
	return nil
}

// Has reports whether an asset exists for an image field.
func (s *Store) Has(ctx context.Context, matterID string, stageNumber int, fieldKey string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName(matterID, stageNumber, fieldKey), minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat asset: %w", err)
	}
	return true, nil
}

// URL generates a presigned viewing URL for an asset.
func (s *Store) URL(ctx context.Context, matterID string, stageNumber int, fieldKey string) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName(matterID, stageNumber, fieldKey), s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign asset url: %w", err)
	}
	return url.String(), nil
}

// Remove deletes the asset for an image field.
func (s *Store) Remove(ctx context.Context, matterID string, stageNumber int, fieldKey string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName(matterID, stageNumber, fieldKey), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove asset: %w", err)
	}
	return nil
}
