package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

const (
	metaExpiresAt = "Expires-At"
	metaSHA256    = "Content-Sha256"
)

// MinIOConfig holds connection settings for an S3-compatible server.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	// Prefix is prepended to every bucket name so several deployments can
	// share one server.
	Prefix string
}

// MinIOStore is an ObjectStore backed by MinIO or any S3-compatible server.
// Each collection maps to one bucket.
type MinIOStore struct {
	client *minio.Client
	prefix string
	logger *slog.Logger
}

var _ ObjectStore = (*MinIOStore)(nil)

// NewMinIOStore connects to the server described by cfg.
func NewMinIOStore(cfg MinIOConfig, logger *slog.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger.With("component", "minio"),
	}, nil
}

// Bucket returns the bucket name used for collection.
func (s *MinIOStore) Bucket(collection string) string {
	if s.prefix == "" {
		return collection
	}
	return strings.ToLower(s.prefix + "-" + collection)
}

func (s *MinIOStore) EnsureCollection(ctx context.Context, collection string) error {
	bucket := s.Bucket(collection)
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	s.logger.Info("bucket created", "bucket", bucket)
	return nil
}

// SetExpiry installs a lifecycle rule that makes the server delete objects in
// collection after the given number of days. Reads still check the per-object
// expiry, so the rule only bounds how long expired bytes linger.
func (s *MinIOStore) SetExpiry(ctx context.Context, collection string, days int) error {
	if days < 1 {
		days = 1
	}
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{{
		ID:         "expire-" + collection,
		Status:     "Enabled",
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	if err := s.client.SetBucketLifecycle(ctx, s.Bucket(collection), cfg); err != nil {
		return fmt.Errorf("set lifecycle on %s: %w", s.Bucket(collection), err)
	}
	return nil
}

func (s *MinIOStore) Put(ctx context.Context, collection, key string, data []byte, opts PutOptions) error {
	meta := map[string]string{metaSHA256: ContentHash(data)}
	if !opts.ExpiresAt.IsZero() {
		meta[metaExpiresAt] = opts.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.Bucket(collection), key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType, UserMetadata: meta})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *MinIOStore) Get(ctx context.Context, collection, key string) ([]byte, error) {
	info, err := s.Stat(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.Bucket(collection), key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateErr(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, info.Size+1))
	if err != nil {
		return nil, translateErr(fmt.Sprintf("read %s/%s", collection, key), err)
	}
	return data, nil
}

func (s *MinIOStore) Stat(ctx context.Context, collection, key string) (ObjectInfo, error) {
	oi, err := s.client.StatObject(ctx, s.Bucket(collection), key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, translateErr(fmt.Sprintf("stat %s/%s", collection, key), err)
	}
	info := toObjectInfo(oi)
	if info.Expired(time.Now()) {
		return ObjectInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *MinIOStore) Delete(ctx context.Context, collection string, keys ...string) error {
	for _, key := range keys {
		err := s.client.RemoveObject(ctx, s.Bucket(collection), key, minio.RemoveObjectOptions{})
		if err != nil && !isNoSuchKey(err) {
			return fmt.Errorf("delete %s/%s: %w", collection, key, err)
		}
	}
	return nil
}

// List returns every object in the collection. Expiry metadata is read with a
// stat per object because listings do not carry user metadata on every server.
func (s *MinIOStore) List(ctx context.Context, collection string) ([]ObjectInfo, error) {
	bucket := s.Bucket(collection)
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, obj.Err)
		}
		oi, err := s.client.StatObject(ctx, bucket, obj.Key, minio.StatObjectOptions{})
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s/%s: %w", collection, obj.Key, err)
		}
		out = append(out, toObjectInfo(oi))
	}
	return out, nil
}

func toObjectInfo(oi minio.ObjectInfo) ObjectInfo {
	info := ObjectInfo{
		Key:       oi.Key,
		Size:      oi.Size,
		Hash:      metaValue(oi.UserMetadata, metaSHA256),
		CreatedAt: oi.LastModified,
	}
	if v := metaValue(oi.UserMetadata, metaExpiresAt); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			info.ExpiresAt = t
		}
	}
	return info
}

// metaValue looks up a user metadata key regardless of the canonicalization
// the server applied.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func translateErr(op string, err error) error {
	if isNoSuchKey(err) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
