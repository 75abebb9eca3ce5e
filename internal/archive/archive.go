// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive gives every finished file an optional, durable off-host
// copy: a parallel-gzip compressed stream uploaded to S3. Archival is
// best-effort — the local output directory remains the source of truth, and
// an archival failure never blocks marking a file finished.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// Uploader streams finished files through parallel gzip to S3.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New builds an Uploader from the default AWS config chain (environment,
// shared config file, EC2/ECS credentials).
func New(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Uploader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}

	return &Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// key builds the S3 object key a file is archived under.
func key(prefix, name string) string {
	return prefix + name + ".gz"
}

// compressFile returns a reader streaming localPath through a parallel
// gzip encoder sized to runtime.NumCPU(), per pgzip's own recommendation.
// An error hit by the compression goroutine surfaces as a read error on the
// returned reader; closing the reader early makes the goroutine's pending
// writes fail, which ends it.
func compressFile(localPath string) (io.ReadCloser, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", localPath, err)
	}

	pr, pw := io.Pipe()
	gz, err := pgzip.NewWriterLevel(pw, pgzip.DefaultCompression)
	if err != nil {
		f.Close()
		pw.Close()
		return nil, fmt.Errorf("archive: constructing pgzip writer: %w", err)
	}
	if err := gz.SetConcurrency(1<<20, runtime.NumCPU()); err != nil {
		f.Close()
		pw.Close()
		return nil, fmt.Errorf("archive: setting pgzip concurrency: %w", err)
	}

	go func() {
		defer f.Close()
		_, copyErr := io.Copy(gz, f)
		closeErr := gz.Close()
		switch {
		case copyErr != nil:
			pw.CloseWithError(copyErr)
		case closeErr != nil:
			pw.CloseWithError(closeErr)
		default:
			pw.Close()
		}
	}()

	return pr, nil
}

// Upload compresses the file at localPath and uploads it under
// key = prefix + name + ".gz". Failures are returned wrapped rather than
// swallowed, so the receiver can decide whether to log-and-continue
// (§7 class 3).
func (u *Uploader) Upload(ctx context.Context, localPath, name string) error {
	body, err := compressFile(localPath)
	if err != nil {
		return err
	}
	defer body.Close()

	k := key(u.prefix, name)
	uploader := manager.NewUploader(u.client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(k),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("archive: uploading %s to s3://%s/%s: %w", localPath, u.bucket, k, err)
	}

	u.logger.Info("archive: uploaded finished file", "local_path", localPath, "bucket", u.bucket, "key", k)
	return nil
}
