// Package minio stores kit resource files and dynamic uploads in an S3
// compatible bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// DefaultBucket holds kit resources, as {kit_id}/{version_id}/resources/{filename}.
	DefaultBucket = "kit-resources"
	// DefaultMaxObjectSize bounds Fetch reads.
	DefaultMaxObjectSize = 32 << 20
)

// ErrTooLarge is returned by Fetch for objects above the size bound.
var ErrTooLarge = errors.New("object exceeds size limit")

type (
	// Config configures the client.
	Config struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		// MaxObjectSize bounds Fetch reads in bytes.
		MaxObjectSize int64 `yaml:"max_object_size"`
	}

	// Store reads and writes objects in one bucket.
	Store struct {
		client  *minio.Client
		bucket  string
		maxSize int64
	}
)

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("minio credentials are required")
	}
	return nil
}

// New builds a Store from cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.MaxObjectSize)
}

// NewWithClient wraps an existing client. Empty bucket and non-positive
// maxSize select the defaults.
func NewWithClient(client *minio.Client, bucket string, maxSize int64) (*Store, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxObjectSize
	}
	return &Store{client: client, bucket: bucket, maxSize: maxSize}, nil
}

// EnsureBucket creates the bucket when missing.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
}

// Put uploads data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte, mimeType string) error {
	opts := minio.PutObjectOptions{ContentType: mimeType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Fetch downloads key and returns its content type.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("stat %s: %w", key, err)
	}
	if info.Size > s.maxSize {
		return nil, "", fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, info.Size)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", key, err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(io.LimitReader(obj, s.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, key)
	}
	return data, info.ContentType, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "minio" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
