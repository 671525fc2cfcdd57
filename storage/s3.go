package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// S3Provider implements a storage provider using Amazon S3 or compatible
// services.
type S3Provider struct {
	client     *s3.S3
	bucketName string
	prefix     string
	region     string
	endpoint   string
	publicBase string
	configured bool
	log        *slog.Logger
}

// NewS3Provider creates a new S3 storage provider. Access key and secret are
// required for uploads; a provider constructed without them reports itself
// unavailable so the manager falls back instead of attempting writes that
// cannot succeed.
func NewS3Provider(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := aws.Config{
		Region: aws.String(region),
	}

	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	configured := accessKey != "" && secretKey != ""
	if configured {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided, backend will report unavailable",
			slog.String("bucket", bucketName))
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	publicBase := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucketName, region)
	if endpoint != "" {
		publicBase = fmt.Sprintf("%s/%s", strings.TrimSuffix(endpoint, "/"), bucketName)
	}

	return &S3Provider{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		region:     region,
		endpoint:   endpoint,
		publicBase: publicBase,
		configured: configured,
		log:        log,
	}, nil
}

// Upload puts the blob under its storage key. S3 failures are transient from
// the manager's point of view and retried with backoff.
func (p *S3Provider) Upload(ctx context.Context, in interfaces.UploadInput) (interfaces.UploadResult, error) {
	if !p.configured {
		return interfaces.UploadResult{}, fmt.Errorf("%w: s3 bucket %s has no credentials", interfaces.ErrProviderUnavailable, p.bucketName)
	}

	start := time.Now()
	key := p.objectKey(in.Key)

	_, err := p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(in.Data),
		ContentType: aws.String(in.ContentType),
	})
	if err != nil {
		p.log.Error("Failed to upload object to S3",
			slog.String("bucket", p.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return interfaces.UploadResult{}, fmt.Errorf("%w: put object: %v", interfaces.ErrTransientUpload, err)
	}

	p.log.Debug("Stored blob in S3",
		slog.String("bucket", p.bucketName),
		slog.String("key", key),
		slog.Int("size", len(in.Data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.UploadResult{
		URL:      p.URL(in.Key),
		Key:      in.Key,
		Size:     int64(len(in.Data)),
		MimeType: in.ContentType,
		Provider: interfaces.BackendS3,
		Metadata: map[string]string{"bucket": p.bucketName},
	}, nil
}

// Fetch retrieves an object from S3 by its storage key.
// Returns ErrContentNotFound if the object doesn't exist.
func (p *S3Provider) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	objectKey := p.objectKey(key)

	result, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}

		p.log.Error("Failed to get object from S3",
			slog.String("bucket", p.bucketName),
			slog.String("key", objectKey),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	p.log.Debug("Fetched blob from S3",
		slog.String("bucket", p.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Delete removes an object. Deleting a missing key succeeds; S3 delete is
// idempotent.
func (p *S3Provider) Delete(ctx context.Context, key string) error {
	objectKey := p.objectKey(key)

	_, err := p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}

	p.log.Debug("Deleted blob from S3",
		slog.String("bucket", p.bucketName),
		slog.String("key", objectKey))

	return nil
}

// URL renders the public URL for a key. Pure, no I/O.
func (p *S3Provider) URL(key string) string {
	return p.publicBase + "/" + p.objectKey(key)
}

// Available reports whether credentials are configured. No I/O.
func (p *S3Provider) Available() bool {
	return p.configured
}

// Kind returns the backend kind this provider serves.
func (p *S3Provider) Kind() interfaces.BackendKind {
	return interfaces.BackendS3
}

// Name returns a unique identifier for this provider.
func (p *S3Provider) Name() string {
	return fmt.Sprintf("s3-%s", p.bucketName)
}

func (p *S3Provider) objectKey(key string) string {
	if p.prefix == "" {
		return key
	}
	return path.Join(p.prefix, key)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404")
}
