// Package artifact persists harness run outputs (traces, metric reports,
// per-segment candidates), keyed by run ID, behind the same Store shape
// the teacher's gateway/repository/artifact package exposes: Put/Get/
// List/GetURL. The Postgres-backed variant from that package is dropped
// in favor of local disk (the natural counterpart to a CLI-driven
// harness, see DESIGN.md); the S3 variant is kept and adapted to
// minio-go/v7's actual client surface.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the persistence interface the harness writes artifacts
// through; backend choice (disk or S3) is a pure config.Config decision.
type Store interface {
	Put(ctx context.Context, runID, path string, data []byte) error
	Get(ctx context.Context, runID, path string) ([]byte, error)
	List(ctx context.Context, runID string) ([]string, error)
	GetURL(ctx context.Context, runID, path string) (string, error)
}

// DiskStore writes artifacts under baseDir/<runID>/<path>.
type DiskStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewDiskStore(baseDir string) *DiskStore {
	return &DiskStore{baseDir: baseDir}
}

func (d *DiskStore) Put(_ context.Context, runID, path string, data []byte) error {
	full := d.objectPath(runID, path)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir: %w", err)
	}
	return os.WriteFile(full, data, 0o644)
}

func (d *DiskStore) Get(_ context.Context, runID, path string) ([]byte, error) {
	return os.ReadFile(d.objectPath(runID, path))
}

func (d *DiskStore) List(_ context.Context, runID string) ([]string, error) {
	root := filepath.Join(d.baseDir, runID)
	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

func (d *DiskStore) GetURL(_ context.Context, runID, path string) (string, error) {
	return "file://" + d.objectPath(runID, path), nil
}

func (d *DiskStore) objectPath(runID, path string) string {
	return filepath.Join(d.baseDir, runID, filepath.FromSlash(path))
}

// S3Store persists artifacts in a bucket, adapted from the teacher's
// S3Store: a sync.Once bucket-existence check, then Put/Get/List/GetURL
// over minio-go/v7's object API.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string

	initOnce sync.Once
	initErr  error
}

func NewS3Store(endpoint, accessKey, secretKey, bucket, region string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: minio client: %w", err)
	}
	return &S3Store{client: client, bucketName: bucket, region: region}, nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = fmt.Errorf("artifact: bucket exists check: %w", err)
			return
		}
		if !exists {
			s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
		}
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, runID, path string, data []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, s.bucketName, objectKey(runID, path), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (s *S3Store) Get(ctx context.Context, runID, path string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, objectKey(runID, path), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *S3Store) List(ctx context.Context, runID string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	prefix := runID + "/"
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		paths = append(paths, strings.TrimPrefix(obj.Key, prefix))
	}
	return paths, nil
}

func (s *S3Store) GetURL(ctx context.Context, runID, path string) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucketName, objectKey(runID, path), time.Hour, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func objectKey(runID, path string) string {
	return runID + "/" + path
}
