package recorder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink uploads a finished persisted-state file to S3, generalized from
// internal/storage/r2.go's Cloudflare-R2-flavored S3 client down to a
// plain bucket/region/endpoint triple.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink builds a sink against a region/endpoint and static
// credentials, mirroring internal/storage/r2.go's NewR2Storage.
func NewS3Sink(region, endpoint, accessKeyID, secretAccessKey, bucket string) (*S3Sink, error) {
	creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	opts := s3.Options{
		Region:      region,
		Credentials: creds,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	client := s3.New(opts)

	return &S3Sink{client: client, bucket: bucket}, nil
}

// Upload puts the given record bytes under key, returning an error that
// wraps the underlying SDK failure.
func (s *S3Sink) Upload(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("recorder: upload %s: %w", key, err)
	}
	return nil
}

// Delete removes a previously uploaded record, e.g. after a retention
// sweep expires it.
func (s *S3Sink) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("recorder: delete %s: %w", key, err)
	}
	return nil
}
