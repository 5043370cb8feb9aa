package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// S3Backend stores share sets as private objects in Amazon S3 or a
// compatible service.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// S3Config selects the bucket and credentials. Empty credentials fall back
// to the default AWS credential chain.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Backend creates an S3 backend. No request is made until first use.
func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket", interfaces.ErrInvalidLocationURI)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", cfg.Endpoint)
	}

	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Fetch downloads the share set of uid.
func (b *S3Backend) Fetch(ctx context.Context, uid interfaces.UserID) ([]byte, error) {
	start := time.Now()
	key := b.getObjectKey(uid)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			b.log.Debug("Share set not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrShareSetNotFound
		}

		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched share set from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store uploads the share set of uid with server-side encryption.
func (b *S3Backend) Store(ctx context.Context, uid interfaces.UserID, data []byte) error {
	key := b.getObjectKey(uid)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored share set in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))

	return nil
}

// Delete removes the object of uid. S3 reports success for missing keys.
func (b *S3Backend) Delete(ctx context.Context, uid interfaces.UserID) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.getObjectKey(uid)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// Available checks that the bucket can be reached.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) getObjectKey(uid interfaces.UserID) string {
	if b.prefix == "" {
		return uid.String()
	}
	return path.Join(b.prefix, uid.String())
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey
}
