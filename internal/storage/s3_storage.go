package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"greendrake/emailbuilder/internal/config"
	"greendrake/emailbuilder/internal/models"
)

// S3PutAPI is the subset of the S3 client used for uploads.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage writes assets to a bucket under the uploads/ prefix.
type S3Storage struct {
	client  S3PutAPI
	bucket  string
	baseURL string
	policy  Policy
	now     func() time.Time
}

// NewS3Storage creates an S3 backed asset store from cfg.
func NewS3Storage(ctx context.Context, cfg *config.Config, policy Policy) (*S3Storage, error) {
	awsCfg, err := aws_config.LoadDefaultConfig(ctx,
		aws_config.WithRegion(cfg.AwsRegion),
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"", // session token
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	baseURL := cfg.ImageBaseS3URL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.AwsS3Bucket, cfg.AwsRegion)
	}
	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg), cfg.AwsS3Bucket, baseURL, policy), nil
}

// NewS3StorageWithClient wires an existing client.
func NewS3StorageWithClient(client S3PutAPI, bucket, baseURL string, policy Policy) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, baseURL: baseURL, policy: policy, now: time.Now}
}

// Store implements IAssetStore. Names carry a nanosecond timestamp, so keys do not repeat.
func (s *S3Storage) Store(ctx context.Context, data io.Reader, size int64, contentType, originalName string) (*models.Asset, error) {
	if err := s.policy.Check(contentType, size); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(s.policy.limit(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if s.policy.tooLarge(int64(len(body))) {
		return nil, fmt.Errorf("%w: body exceeds the %d byte limit", ErrAssetTooLarge, s.policy.MaxBytes)
	}

	at := s.now()
	name := AssetName(at, originalName)
	key := "uploads/" + name

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "key": key, "bytes": len(body)}).Info("Asset stored in S3")
	return &models.Asset{
		Name:         name,
		OriginalName: originalName,
		ContentType:  contentType,
		Size:         int64(len(body)),
		URL:          s.baseURL + "/" + key,
		UploadedAt:   at,
	}, nil
}
