// Package backup optionally archives completed cycle directories to an
// S3-compatible bucket: tar+gzip the directory, record a sha256
// checksum, and upload through aws-sdk-go-v2's s3 manager.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Archiver uploads tar+gzip snapshots of directories to an S3-compatible
// bucket. A nil Archiver (returned by New when archival is disabled) is
// a safe no-op so the feature
// never blocks the runner/execution hand-off contract when unconfigured.
type Archiver struct {
	log      zerolog.Logger
	uploader *manager.Uploader
	bucket   string
}

// Config configures an S3-compatible destination (e.g. Cloudflare R2).
type Config struct {
	Enabled   bool
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// New constructs an Archiver, or nil if cfg disables archival.
func New(ctx context.Context, log zerolog.Logger, cfg Config) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket must be set when archival is enabled")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Archiver{
		log:      log.With().Str("component", "backup_archiver").Logger(),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// ArchiveDirectory tars, gzips, checksums, and uploads dir under the
// given object key. Returns the checksum so callers can record it.
func (a *Archiver) ArchiveDirectory(ctx context.Context, dir, key string) (checksum string, err error) {
	if a == nil {
		return "", nil
	}

	staging, err := os.CreateTemp("", "crypton-backup-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("backup: create staging file: %w", err)
	}
	stagingPath := staging.Name()
	defer os.Remove(stagingPath)

	hasher := sha256.New()
	mw := io.MultiWriter(staging, hasher)
	gz := gzip.NewWriter(mw)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		staging.Close()
		return "", fmt.Errorf("backup: tar walk: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		staging.Close()
		return "", fmt.Errorf("backup: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		staging.Close()
		return "", fmt.Errorf("backup: close gzip writer: %w", err)
	}
	if err := staging.Close(); err != nil {
		return "", fmt.Errorf("backup: close staging file: %w", err)
	}
	checksum = hex.EncodeToString(hasher.Sum(nil))

	upload, err := os.Open(stagingPath)
	if err != nil {
		return "", fmt.Errorf("backup: reopen staging file: %w", err)
	}
	defer upload.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   upload,
		Metadata: map[string]string{
			"sha256":      checksum,
			"archived-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("backup: upload to s3: %w", err)
	}

	a.log.Info().Str("key", key).Str("sha256", checksum).Msg("archived directory")
	return checksum, nil
}
