// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive mirrors the backlog segments a peer's Tape discards when
// it shrinks its output to S3, so a shrink remains auditable after the
// fact even though the feeder itself never replays from S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader puts discarded backlog segments into a peer's
// configured S3 prefix. A Peer without ArchiveBucket set never constructs
// one; Archive on a nil *Uploader is a no-op so callers don't need to
// guard every call site.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader loads the default AWS credential chain (environment, shared
// config, EC2/ECS role) and returns an Uploader for bucket/prefix. Returns
// an error only if the SDK's own config resolution fails; network and
// permission errors surface per-call from Archive instead.
func NewUploader(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}
	return &Uploader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "archive", "bucket", bucket),
	}, nil
}

// Archive uploads data under prefix/peerName/key. peerName and key together
// form the object key so segments from different peers never collide.
func (u *Uploader) Archive(ctx context.Context, peerName, key string, data []byte) error {
	if u == nil {
		return nil
	}

	objectKey := fmt.Sprintf("%s/%s/%s-%s", u.prefix, peerName, time.Now().UTC().Format("20060102T150405"), key)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s: %w", objectKey, err)
	}

	u.logger.Debug("archived backlog segment", "peer", peerName, "key", objectKey, "bytes", len(data))
	return nil
}
