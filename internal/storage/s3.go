package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/chromemdb"
	"local-qa-bot/internal/config"
)

// objectAPI is the subset of the S3 client the mirror needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Client mirrors index artifacts to an S3-compatible bucket.
type S3Client struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Client creates a client from the s3 config section. Static
// credentials are used when configured, the default AWS chain otherwise.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Client(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Client(client objectAPI, bucket, prefix string) *S3Client {
	return &S3Client{client: client, bucket: bucket, prefix: prefix}
}

// Key maps a local artifact file name to its object key.
func (c *S3Client) Key(name string) string {
	return path.Join(c.prefix, filepath.Base(name))
}

// UploadFile stores the file at localPath under key.
func (c *S3Client) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	log.Debug().Str("bucket", c.bucket).Str("key", key).Msg("Uploaded artifact")
	return nil
}

// DownloadFile writes the object at key to localPath, replacing it atomically.
func (c *S3Client) DownloadFile(ctx context.Context, key, localPath string) error {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download object %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create folder for %s: %w", localPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	log.Debug().Str("bucket", c.bucket).Str("key", key).Msg("Downloaded artifact")
	return nil
}

// UploadArtifacts uploads every path under its file name.
func (c *S3Client) UploadArtifacts(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := c.UploadFile(ctx, c.Key(p), p); err != nil {
			return err
		}
	}
	return nil
}

// DownloadIndex fetches the side-table for collection, then the blob it
// points at, into dir. The side-table is moved into place last and the blob
// it replaced is removed.
func (c *S3Client) DownloadIndex(ctx context.Context, dir, collection string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", dir, err)
	}
	var previousBlob string
	if prev, err := chromemdb.Artifacts(dir, collection); err == nil {
		previousBlob = prev[0]
	}

	staging, err := os.MkdirTemp(dir, ".pull-")
	if err != nil {
		return fmt.Errorf("failed to create staging folder: %w", err)
	}
	defer os.RemoveAll(staging)

	name := chromemdb.SideTableName(collection)
	staged := filepath.Join(staging, name)
	if err := c.DownloadFile(ctx, c.Key(name), staged); err != nil {
		return err
	}
	artifacts, err := chromemdb.Artifacts(staging, collection)
	if err != nil {
		return err
	}
	blob := filepath.Base(artifacts[0])
	if err := c.DownloadFile(ctx, c.Key(blob), filepath.Join(dir, blob)); err != nil {
		return err
	}
	if err := os.Rename(staged, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to commit side-table: %w", err)
	}
	if previousBlob != "" && filepath.Base(previousBlob) != blob {
		if err := os.Remove(previousBlob); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", previousBlob).Msg("Failed to remove previous index blob")
		}
	}
	return nil
}
