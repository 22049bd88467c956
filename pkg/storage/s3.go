package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/config"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps attachments in an S3-compatible bucket (AWS or MinIO).
type S3Store struct {
	client   objectAPI
	bucket   string
	endpoint string
	region   string
	logger   *zap.Logger
}

// NewS3Store creates a store from the storage configuration. Static
// credentials are used when both keys are set; otherwise the default AWS
// credential chain applies.
func NewS3Store(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.ResolveEndpointForDocker(cfg.Endpoint))
			o.UsePathStyle = true
		}
	})

	logger.Info("Attachment storage configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", cfg.Endpoint))

	return newS3Store(client, cfg, logger), nil
}

func newS3Store(client objectAPI, cfg *config.StorageConfig, logger *zap.Logger) *S3Store {
	return &S3Store{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		region:   cfg.Region,
		logger:   logger.Named("attachment-store"),
	}
}

// Store implements AttachmentStore.
func (s *S3Store) Store(ctx context.Context, projectID uuid.UUID, name, contentType string, size int64, body io.Reader) (*models.Asset, error) {
	key := objectKey(projectID, name)

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to upload attachment: %w", err)
	}

	s.logger.Debug("Stored attachment",
		zap.String("project_id", projectID.String()),
		zap.String("key", key),
		zap.Int64("size", size))

	return &models.Asset{
		Key:         key,
		URL:         s.objectURL(key),
		Name:        path.Base(key),
		Size:        size,
		ContentType: contentType,
	}, nil
}

// Delete implements AttachmentStore.
func (s *S3Store) Delete(ctx context.Context, asset *models.Asset) error {
	if asset == nil || asset.Key == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(asset.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete attachment %s: %w", asset.Key, err)
	}
	return nil
}

func (s *S3Store) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if s.endpoint != "" {
		return s.endpoint + "/" + s.bucket + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}

// objectKey namespaces objects per project and per upload so equal file
// names never collide.
func objectKey(projectID uuid.UUID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	return path.Join("projects", projectID.String(), uuid.NewString(), base)
}

var _ AttachmentStore = (*S3Store)(nil)
