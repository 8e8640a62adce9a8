// Package s3mirror uploads committed backup snapshots to an S3-compatible
// bucket (AWS S3, MinIO) so a copy survives loss of the local disk.
package s3mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dmitrijs2005/dailycrypt/internal/backup"
	"github.com/dmitrijs2005/dailycrypt/internal/logging"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) putObjectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// putObjectAPI is the part of *s3.Client the mirror needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options selects the bucket and credentials. Empty AccessKey falls back to
// the default AWS credential chain.
type Options struct {
	Bucket       string
	Prefix       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// Mirror implements backup.Mirror over S3.
type Mirror struct {
	client putObjectAPI
	bucket string
	prefix string
	logger logging.Logger
}

var _ backup.Mirror = (*Mirror)(nil)

func New(ctx context.Context, opts Options, logger logging.Logger) (*Mirror, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror: bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
			// MinIO and most self-hosted endpoints need path-style addressing
			o.UsePathStyle = true
		}
	})

	return &Mirror{client: client, bucket: opts.Bucket, prefix: opts.Prefix, logger: logger}, nil
}

// Upload puts every file of the snapshot under <prefix>/<snapshot dir>/.
func (m *Mirror) Upload(ctx context.Context, snap *backup.Snapshot) error {
	base := path.Join(m.prefix, filepath.Base(snap.Dir))

	for _, f := range snap.Files() {
		key := path.Join(base, filepath.ToSlash(f.Rel))
		if err := m.put(ctx, key, snap.Path(f.Rel), f.Checksum); err != nil {
			return err
		}
	}

	m.logger.Info(ctx, "backup snapshot mirrored", "bucket", m.bucket, "key_prefix", base, "files", len(snap.Files()))
	return nil
}

func (m *Mirror) put(ctx context.Context, key, local, checksum string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("s3 mirror: open %s: %w", local, err)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"sha256": checksum},
	})
	if err != nil {
		return fmt.Errorf("s3 mirror: put %s: %w", key, err)
	}
	return nil
}
