package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps objects in an S3 bucket using S3 conditional writes
// (If-None-Match: * on put, If-Match on delete).
//
// Orphaned lock objects are removed by a bucket lifecycle rule on the key
// prefix; kbsync does not create that rule.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store creates a store writing under prefix in bucket.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) PutIfAbsent(ctx context.Context, key string, body []byte) (string, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", fmt.Errorf("putting s3://%s/%s%s: %w", s.bucket, s.prefix, key, mapS3Error(err))
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s%s: %w", s.bucket, s.prefix, key, mapS3Error(err))
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s%s: %w", s.bucket, s.prefix, key, err)
	}
	return &Object{Body: body, Revision: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) DeleteIfMatch(ctx context.Context, key, revision string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.prefix + key),
		IfMatch: aws.String(revision),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s%s: %w", s.bucket, s.prefix, key, mapS3Error(err))
	}
	return nil
}

// mapS3Error attaches the package sentinel matching the S3 error code while
// keeping the original error in the chain.
func mapS3Error(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "PreconditionFailed":
		return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
	case "ConditionalRequestConflict":
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return err
	}
}

var _ Store = (*S3Store)(nil)
