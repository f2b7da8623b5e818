// Package storage publishes finished exports and returns where they can be
// retrieved: a download path served by this process, or a presigned URL in
// an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// DownloadPrefix is the route that serves local exports.
const DownloadPrefix = "/api/download/"

// DefaultExpiry is the lifetime of presigned URLs.
const DefaultExpiry = 24 * time.Hour

// Config selects and configures the publisher.
type Config struct {
	Type            string        `yaml:"type"`
	EndpointURL     string        `yaml:"endpoint_url"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Region          string        `yaml:"region"`
	UseSSL          bool          `yaml:"use_ssl"`
	Prefix          string        `yaml:"prefix"`
	Expiry          time.Duration `yaml:"expiry"`
}

// Local leaves exports in the output directory and points at the download route.
type Local struct{}

// Publish returns the download path of the exported file.
func (Local) Publish(_ context.Context, file string) (string, error) {
	return DownloadPrefix + url.PathEscape(filepath.Base(file)), nil
}

// MinIO uploads exports to a bucket.
type MinIO struct {
	client *minio.Client
	cfg    Config

	bucketOnce sync.Once
	bucketErr  error
}

// NewMinIO creates a bucket publisher. No request is made until the first
// Publish.
func NewMinIO(cfg Config) (*MinIO, error) {
	const op = "storage"

	if cfg.EndpointURL == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "endpoint_url is required")
	}
	if cfg.Bucket == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, xferr.Errorf(xferr.KindInvalid, op, "access_key_id and secret_access_key are required")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, xferr.New(xferr.KindInvalid, op, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, xferr.New(xferr.KindConnection, op, fmt.Errorf("creating minio client: %w", err))
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	return &MinIO{client: client, cfg: cfg}, nil
}

// Publish uploads file and returns a presigned GET URL for it.
func (m *MinIO) Publish(ctx context.Context, file string) (string, error) {
	const op = "publish"

	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}

	key := m.ObjectKey(file)
	info, err := m.client.FPutObject(ctx, m.cfg.Bucket, key, file, minio.PutObjectOptions{
		ContentType: ContentType(file),
	})
	if err != nil {
		return "", xferr.New(xferr.KindWrite, op, fmt.Errorf("uploading %s to %s/%s: %w", file, m.cfg.Bucket, key, err))
	}
	logging.Info("Uploaded %s to %s/%s (%d bytes)", filepath.Base(file), m.cfg.Bucket, key, info.Size)

	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, m.cfg.Expiry, nil)
	if err != nil {
		return "", xferr.New(xferr.KindWrite, op, fmt.Errorf("presigning %s/%s: %w", m.cfg.Bucket, key, err))
	}
	return u.String(), nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.bucketOnce.Do(func() {
		exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
		if err != nil {
			m.bucketErr = xferr.New(xferr.KindConnection, "publish", fmt.Errorf("checking bucket %s: %w", m.cfg.Bucket, err))
			return
		}
		if exists {
			return
		}
		if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{Region: m.cfg.Region}); err != nil {
			m.bucketErr = xferr.New(xferr.KindWrite, "publish", fmt.Errorf("creating bucket %s: %w", m.cfg.Bucket, err))
		}
	})
	return m.bucketErr
}

// ObjectKey returns the bucket key for file.
func (m *MinIO) ObjectKey(file string) string {
	prefix := strings.Trim(m.cfg.Prefix, "/")
	if prefix == "" {
		return filepath.Base(file)
	}
	return path.Join(prefix, filepath.Base(file))
}

// ContentType returns the MIME type of an export by extension.
func ContentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		return "text/csv"
	case ".tsv":
		return "text/tab-separated-values"
	case ".parquet":
		return "application/vnd.apache.parquet"
	}
	return "application/octet-stream"
}
