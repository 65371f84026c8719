package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Uploader copies a finished artifact to off-site storage.
type Uploader interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
}

// S3Config configures the S3 (or S3-compatible) mirror.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Uploader mirrors artifacts to an S3 bucket.
type S3Uploader struct {
	cfg    S3Config
	client *s3.S3
	logger *slog.Logger
}

// NewS3Uploader creates an uploader. Static credentials are used when
// given; otherwise the SDK's default chain applies.
func NewS3Uploader(cfg S3Config, logger *slog.Logger) (*S3Uploader, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	// Custom endpoint for S3-compatible storage (MinIO etc.)
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("S3 backup mirror enabled", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return &S3Uploader{cfg: cfg, client: s3.New(sess), logger: logger}, nil
}

// Upload puts the file at localPath under prefix/name and returns its URL.
func (u *S3Uploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := path.Join(u.cfg.Prefix, name)
	if _, err := u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(name)),
	}); err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.cfg.Bucket, key, err)
	}
	u.logger.Info("backup uploaded", "bucket", u.cfg.Bucket, "key", key)
	return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key), nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".gz", ".tgz":
		return "application/gzip"
	case ".json":
		return "application/json"
	case ".gexf":
		return "application/xml"
	}
	return "application/octet-stream"
}
