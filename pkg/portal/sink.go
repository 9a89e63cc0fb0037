// Package portal renders the developer portal: per-PR digest pages,
// ownership pages, and the site index. Pages are plain markdown written
// through a Sink so the same renderer targets local disk, S3, or GCS.
package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	s3svc "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink stores rendered pages keyed by site-relative path.
type Sink interface {
	Put(ctx context.Context, pagePath string, data []byte) error
}

// Deleter is implemented by sinks that can remove pages. Compaction
// skips sink removal when the sink cannot.
type Deleter interface {
	Delete(ctx context.Context, pagePath string) error
}

// NewSink builds a sink from a URL:
//
//	/var/portal            local directory
//	file:///var/portal     local directory
//	mem://                 in-memory (tests)
//	s3://bucket/prefix     S3 (client required)
//	gs://bucket/prefix     GCS (client required)
func NewSink(ctx context.Context, rawURL string, s3Client *s3svc.Client, gcsClient *storage.Client) (Sink, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("portal: empty sink url")
	}
	if !strings.Contains(rawURL, "://") {
		return NewFSSink(rawURL), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("portal: parse sink url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "file":
		return NewFSSink(u.Path), nil
	case "mem":
		return NewMemorySink(), nil
	case "s3":
		if s3Client == nil {
			return nil, fmt.Errorf("portal: s3 sink needs a client")
		}
		return NewS3Sink(s3Client, u.Host, strings.TrimPrefix(u.Path, "/")), nil
	case "gs":
		if gcsClient == nil {
			return nil, fmt.Errorf("portal: gcs sink needs a client")
		}
		return NewGCSSink(gcsClient, u.Host, strings.TrimPrefix(u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("portal: unsupported sink scheme %q", u.Scheme)
	}
}

// FSSink writes pages under a root directory, creating parents.
type FSSink struct {
	root string
}

func NewFSSink(root string) *FSSink {
	return &FSSink{root: root}
}

func (s *FSSink) Put(_ context.Context, pagePath string, data []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(pagePath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("portal: mkdir for %s: %w", pagePath, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("portal: write %s: %w", pagePath, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("portal: publish %s: %w", pagePath, err)
	}
	return nil
}

func (s *FSSink) Delete(_ context.Context, pagePath string) error {
	full := filepath.Join(s.root, filepath.FromSlash(pagePath))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("portal: delete %s: %w", pagePath, err)
	}
	return nil
}

// MemorySink holds pages in memory for tests.
type MemorySink struct {
	mu    sync.RWMutex
	pages map[string][]byte
	puts  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{pages: map[string][]byte{}}
}

func (s *MemorySink) Put(_ context.Context, pagePath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pagePath] = append([]byte(nil), data...)
	s.puts++
	return nil
}

func (s *MemorySink) Delete(_ context.Context, pagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pagePath)
	return nil
}

// Page returns a stored page and whether it exists.
func (s *MemorySink) Page(pagePath string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.pages[pagePath]
	return data, ok
}

// Paths lists stored page paths, sorted.
func (s *MemorySink) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.pages))
	for p := range s.pages {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Puts counts writes, including overwrites.
func (s *MemorySink) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// S3Sink writes pages as objects under a key prefix.
type S3Sink struct {
	client *s3svc.Client
	bucket string
	prefix string
}

func NewS3Sink(client *s3svc.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Put(ctx context.Context, pagePath string, data []byte) error {
	key := path.Join(s.prefix, pagePath)
	_, err := s.client.PutObject(ctx, &s3svc.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/markdown; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("portal: s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3Sink) Delete(ctx context.Context, pagePath string) error {
	key := path.Join(s.prefix, pagePath)
	_, err := s.client.DeleteObject(ctx, &s3svc.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("portal: s3 delete %s: %w", key, err)
	}
	return nil
}

// GCSSink writes pages as objects under a key prefix.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *GCSSink) Put(ctx context.Context, pagePath string, data []byte) error {
	key := path.Join(s.prefix, pagePath)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "text/markdown; charset=utf-8"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("portal: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("portal: gcs put %s: %w", key, err)
	}
	return nil
}

func (s *GCSSink) Delete(ctx context.Context, pagePath string) error {
	key := path.Join(s.prefix, pagePath)
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("portal: gcs delete %s: %w", key, err)
	}
	return nil
}
