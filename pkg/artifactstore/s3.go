package artifactstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

// S3Config contains configuration for S3-compatible recording archives.
type S3Config struct {
	// Endpoint is the S3 endpoint host (e.g., s3.amazonaws.com, localhost:9000).
	Endpoint string `toml:"endpoint"`

	// Bucket is the bucket recordings are archived into.
	Bucket string `toml:"bucket"`

	// Region is the S3 region. Defaults to us-east-1.
	Region string `toml:"region"`

	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	SessionToken string `toml:"session_token"`

	// Prefix is prepended to every object key (e.g., "recordings/").
	Prefix string `toml:"prefix"`

	UseSSL bool `toml:"use_ssl"`

	// ForcePathStyle selects path-style bucket lookup, required for MinIO.
	ForcePathStyle bool `toml:"force_path_style"`

	// ACL is applied as x-amz-acl when set (e.g., "public-read").
	ACL string `toml:"acl"`
}

// Enabled returns true if the archive is configured with the minimum required fields.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// S3Archive is a room.ArchiveSink backed by minio-go.
type S3Archive struct {
	cfg     S3Config
	client  *minio.Client
	logger  *zap.Logger
	timeout time.Duration

	mu          sync.Mutex
	bucketReady bool
}

var _ room.ArchiveSink = (*S3Archive)(nil)

// NewS3Archive creates an archive client. It does not contact the endpoint.
func NewS3Archive(cfg S3Config, logger *zap.Logger) (*S3Archive, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("s3 archive is not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &S3Archive{cfg: cfg, client: client, logger: logger.Named("archive"), timeout: 2 * time.Minute}, nil
}

func (s *S3Archive) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	s.bucketReady = true
	return nil
}

// ObjectKey is where a is stored: {prefix}/{session}/{file name}.
func (s *S3Archive) ObjectKey(a *room.Artifact) string {
	parts := []string{}
	if trimmed := strings.Trim(s.cfg.Prefix, "/"); trimmed != "" {
		parts = append(parts, trimmed)
	}
	parts = append(parts, a.SessionID, a.FileName())
	return path.Join(parts...)
}

// Archive uploads a and returns its s3:// location. The bucket is created on
// first use if missing.
func (s *S3Archive) Archive(ctx context.Context, a *room.Artifact) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}

	key := s.ObjectKey(a)
	opts := minio.PutObjectOptions{
		ContentType: a.MimeType,
		UserMetadata: map[string]string{
			"session":  a.SessionID,
			"duration": fmt.Sprint(a.DurationSeconds),
			"quality":  string(a.Quality),
		},
	}
	if s.cfg.ACL != "" {
		opts.UserMetadata["x-amz-acl"] = s.cfg.ACL
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}

	if _, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)), opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key)
	s.logger.Info("recording archived", zap.String("location", location), zap.Int("bytes", len(a.Data)))
	return location, nil
}
