package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/logging"
)

// Uploader is the subset of manager.Uploader used by S3.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 stores attachments in an S3 compatible bucket.
type S3 struct {
	uploader Uploader
	bucket   string
	prefix   string
	baseURL  string
	maxBytes int64
	now      func() time.Time
	log      *logging.Logger
}

// NewS3 loads AWS credentials from the default chain. A custom endpoint
// switches to path-style addressing for MinIO and similar servers.
func NewS3(ctx context.Context, cfg config.S3BlobConf, maxBytes int64, log *logging.Logger) (*S3, error) {
	awsConf, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithUploader(manager.NewUploader(client), cfg, maxBytes, log), nil
}

// NewS3WithUploader builds an S3 store around an existing uploader.
func NewS3WithUploader(u Uploader, cfg config.S3BlobConf, maxBytes int64, log *logging.Logger) *S3 {
	base := cfg.BaseURL
	switch {
	case base != "":
	case cfg.Endpoint != "":
		base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3{
		uploader: u,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		baseURL:  strings.TrimRight(base, "/"),
		maxBytes: maxBytes,
		now:      time.Now,
		log:      log.Sub("blob"),
	}
}

// Put uploads r and returns its public URL.
func (s *S3) Put(ctx context.Context, obj Object, r io.Reader) (string, error) {
	key := objectKey(s.prefix, obj, s.now())
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   limit(r, s.maxBytes),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	s.log.Debug().Str("bucket", s.bucket).Str("key", key).Str("owner", obj.OwnerID).Msg("attachment uploaded")
	return s.baseURL + "/" + escapePath(key), nil
}

func escapePath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
