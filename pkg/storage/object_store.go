// Package storage holds encrypted attachment blobs in S3-compatible object
// storage. Blobs are sealed client-side before upload; this layer never
// inspects content beyond its declared type and size.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cipherchat/pkg/domain"
)

// MaxAttachmentSize caps a single attachment upload.
const MaxAttachmentSize = 25 << 20

// AttachmentStore persists sealed attachment blobs keyed by conversation.
type AttachmentStore interface {
	Upload(ctx context.Context, conversationID, contentType string, r io.Reader, size int64) (domain.Attachment, error)
	PresignGet(ctx context.Context, storageKey string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, storageKey string) error
	RemoveConversation(ctx context.Context, conversationID string) error
}

// MinioStore implements AttachmentStore on MinIO or any S3-compatible backend.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Upload stores one sealed blob under a fresh key scoped to its conversation
// and returns the attachment descriptor to embed in the message row.
func (m *MinioStore) Upload(ctx context.Context, conversationID, contentType string, r io.Reader, size int64) (domain.Attachment, error) {
	if size <= 0 || size > MaxAttachmentSize {
		return domain.Attachment{}, fmt.Errorf("attachment size %d out of range: %w", size, domain.ErrValidation)
	}
	key := conversationID + "/" + uuid.NewString()
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("put attachment: %w", err)
	}
	return domain.Attachment{
		StorageKey:  key,
		ContentType: contentType,
		Size:        size,
	}, nil
}

// PresignGet returns a short-lived download URL for one blob.
func (m *MinioStore) PresignGet(ctx context.Context, storageKey string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, storageKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return url.String(), nil
}

// Remove deletes one blob.
func (m *MinioStore) Remove(ctx context.Context, storageKey string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, storageKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}

// RemoveConversation deletes every blob under a conversation's prefix. Called
// after the conversation rows are gone, so a partial failure only leaks
// unreferenced blobs.
func (m *MinioStore) RemoveConversation(ctx context.Context, conversationID string) error {
	prefix := conversationID + "/"
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list attachments: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove attachment %s: %w", obj.Key, err)
		}
	}
	return nil
}
