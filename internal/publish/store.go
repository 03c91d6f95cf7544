// Package publish uploads a production output directory to S3 compatible
// object storage.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/conneroisu/assetpipe/internal/config"
	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Object is one file to upload.
type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	CacheControl string
}

// Store receives uploaded objects.
type Store interface {
	Put(ctx context.Context, obj Object) error
}

// S3Store writes objects to a bucket, creating it on first use.
type S3Store struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

// NewS3Store validates cfg and builds a client. No request is made until the
// first Put.
func NewS3Store(cfg config.PublishConfig) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, perrors.NewConfigError("PUBLISH_ENDPOINT", "publish.endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, perrors.NewConfigError("PUBLISH_CREDENTIALS", "publish.access_key and publish.secret_key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, perrors.NewConfigError("PUBLISH_BUCKET", "publish.bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, perrors.NewConfigError("PUBLISH_CLIENT", fmt.Sprintf("init s3 client: %v", err))
	}
	return &S3Store{client: client, bucket: bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Put uploads obj.
func (s *S3Store) Put(ctx context.Context, obj Object) error {
	if err := s.ensureBucket(ctx); err != nil {
		return perrors.NewIOError(s.bucket, "cannot prepare bucket", err)
	}
	_, err := s.client.PutObject(ctx, s.bucket, obj.Key, bytes.NewReader(obj.Data), int64(len(obj.Data)), minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		CacheControl: obj.CacheControl,
	})
	if err != nil {
		return perrors.NewIOError(obj.Key, "upload failed", err)
	}
	return nil
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	order   []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Put stores a copy of obj.
func (s *MemoryStore) Put(_ context.Context, obj Object) error {
	if strings.TrimSpace(obj.Key) == "" {
		return fmt.Errorf("key is required")
	}
	obj.Data = append([]byte(nil), obj.Data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.Key] = obj
	s.order = append(s.order, obj.Key)
	return nil
}

// Get returns the object stored under key.
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys lists the stored keys, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Order lists keys in upload order.
func (s *MemoryStore) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
