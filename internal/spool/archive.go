package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/taylorwire/uucico/internal/inventory"
)

// s3Client is the subset of *s3.Client the archiver needs, so tests can
// substitute a fake.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchivingQueue wraps a Queue with a write-behind mirror of every
// enqueued job's manifest to an S3-compatible bucket. The wrapped Queue
// remains the source of truth the scheduler reads from (HasWork is never
// answered from S3); a failed upload is logged and otherwise ignored, the
// same "status is advisory" tolerance the rest of this codebase applies to
// non-critical writes.
type ArchivingQueue struct {
	Queue
	client s3Client
	bucket string
	prefix string
	log    *slog.Logger
}

// NewArchivingQueue builds an S3-mirrored Queue from an Inventory's
// archive configuration. Returns base unmodified, with a nil error, when
// cfg is nil or disabled.
func NewArchivingQueue(ctx context.Context, base Queue, cfg *inventory.S3ArchiveConfig, log *slog.Logger) (Queue, error) {
	if cfg == nil || !cfg.Enabled {
		return base, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config for spool archive: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &ArchivingQueue{Queue: base, client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, log: log}, nil
}

// Enqueue delegates to the wrapped Queue, then best-effort mirrors the
// job's manifest to S3.
func (a *ArchivingQueue) Enqueue(job Job) error {
	if err := a.Queue.Enqueue(job); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		a.log.Warn("spool archive: encoding manifest failed", "peer", job.Peer, "error", err)
		return nil
	}

	key := fmt.Sprintf("%s%s/%d.json", a.prefix, job.Peer, time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		a.log.Warn("spool archive: upload failed", "peer", job.Peer, "key", key, "error", err)
	}
	return nil
}
