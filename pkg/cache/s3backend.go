package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	nixerrors "github.com/fly-io/nixless-agent/pkg/errors"
)

// S3Backend serves narinfo and NAR requests from an S3 bucket, for cache
// urls of the form s3://bucket/prefix, mirroring that many real Nix binary
// caches are themselves S3 buckets rather than standalone HTTP servers.
type S3Backend struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// ParseS3URL reports whether cacheURL uses the s3:// scheme and, if so,
// returns the bucket and key prefix it names.
func ParseS3URL(cacheURL string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(cacheURL, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.TrimSuffix(prefix, "/"), true
}

// NewS3Backend connects to bucket using anonymous credentials, matching the
// access pattern of a public Nix binary cache bucket.
func NewS3Backend(ctx context.Context, bucket, prefix, region string) (*S3Backend, error) {
	slog.Info("cache_s3_backend_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, nixerrors.Kinded(nixerrors.KindTransientNetwork, fmt.Errorf("cache: loading aws config: %w", err))
	}

	return &S3Backend{
		s3:     s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (b *S3Backend) key(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

// Fetch opens key as a byte stream; callers distinguish "not found" using
// errors.Is against the returned error's wrapped smithy NotFound type, or
// more simply by classifying the error Kind, since a 404 surfaces here as
// KindNotFound.
func (b *S3Backend) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound") {
			return nil, nixerrors.Kinded(nixerrors.KindNotFound, fmt.Errorf("cache: s3 object %s not found: %w", key, err))
		}
		return nil, nixerrors.Kinded(nixerrors.KindTransientNetwork, fmt.Errorf("cache: s3 get %s: %w", key, err))
	}
	return result.Body, nil
}
