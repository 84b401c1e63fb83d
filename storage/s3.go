package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"mls_sync/models"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for DO Spaces, R2, MinIO
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Archive keeps raw feed pages and run summaries for replay and audits.
type Archive interface {
	ArchivePage(ctx context.Context, run *models.SyncRun, page int, body []byte) error
	ArchiveResult(ctx context.Context, feed string, result *models.SyncRunResult) error
}

// objectPutter is the part of the S3 client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes archive objects to S3-compatible storage under
// {prefix}/{feed}/{yyyy/mm/dd}/{run id}/.
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) ArchivePage(ctx context.Context, run *models.SyncRun, page int, body []byte) error {
	key := path.Join(a.runPrefix(run.Feed, run.StartedAt, run.ID), fmt.Sprintf("page-%05d.json", page))
	return a.put(ctx, key, body)
}

func (a *S3Archive) ArchiveResult(ctx context.Context, feed string, result *models.SyncRunResult) error {
	key := path.Join(a.runPrefix(feed, result.StartedAt, result.RunID), "result.json")
	return a.put(ctx, key, result.ToJSON())
}

func (a *S3Archive) runPrefix(feed string, started time.Time, runID string) string {
	return path.Join(a.prefix, feed, started.UTC().Format("2006/01/02"), runID)
}

func (a *S3Archive) put(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// NoOpArchive discards everything. Used when no bucket is configured.
type NoOpArchive struct{}

func (NoOpArchive) ArchivePage(context.Context, *models.SyncRun, int, []byte) error { return nil }

func (NoOpArchive) ArchiveResult(context.Context, string, *models.SyncRunResult) error { return nil }
