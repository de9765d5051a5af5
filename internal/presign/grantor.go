// Package presign implements the storage-adjacent service that turns signed
// upload requests into short-lived presigned PUT URLs.
package presign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/radif/media/internal/config"
	"github.com/radif/media/internal/storage"
)

// Grantor issues presigned PUT URLs for single keys.
type Grantor interface {
	// PresignPut authorizes one PUT of exactly size bytes with contentType to
	// key, valid for ttl.
	PresignPut(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (string, error)
	// PublicURL is where the object will be readable once uploaded.
	PublicURL(key string) string
}

// S3Grantor presigns against any S3-compatible endpoint.
type S3Grantor struct {
	presigner  *s3.PresignClient
	bucket     string
	publicBase string
}

// NewS3Grantor builds a Grantor from the primary store configuration.
func NewS3Grantor(ctx context.Context, cfg config.StorageConfig) (*S3Grantor, error) {
	if !cfg.PrimaryConfigured() {
		return nil, errors.New("S3_ENDPOINT, S3_ACCESS_KEY_ID, S3_SECRET_ACCESS_KEY and S3_BUCKET are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		scheme := "https://"
		if !cfg.UseSSL {
			scheme = "http://"
		}
		endpoint = scheme + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		publicBase = storage.ProxyPath
	}

	return &S3Grantor{
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		publicBase: publicBase,
	}, nil
}

// PresignPut binds Content-Type and Content-Length into the signature so the
// store rejects any other type or size.
func (g *S3Grantor) PresignPut(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (string, error) {
	req, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign put %q: %w", key, err)
	}
	return req.URL, nil
}

func (g *S3Grantor) PublicURL(key string) string {
	return strings.TrimRight(g.publicBase, "/") + "/" + key
}
