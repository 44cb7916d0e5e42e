package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/assembly"
)

// S3Config locates the bucket briefings are written to.
type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	URL             string `mapstructure:"url"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher writes each briefing as JSON to an S3 compatible store.
type S3Publisher struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Client builds an S3 client with static credentials and a path-style endpoint.
func NewS3Client(ctx context.Context, cfg S3Config, lg *zap.Logger) (*s3.Client, error) {
	awsConfig, err := awsCfg.LoadDefaultConfig(
		ctx,
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithCredentialsProvider(aws.CredentialsProviderFunc(func(_ context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
			}, nil
		})),
		awsCfg.WithLogger(awsLogger(lg)),
		awsCfg.WithClientLogMode(awsLogMode(lg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.URL != "" {
			o.BaseEndpoint = aws.String(cfg.URL)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Publisher creates a publisher over client
func NewS3Publisher(client objectPutter, bucket, prefix string, logger *zap.Logger) *S3Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "briefings"
	}
	return &S3Publisher{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (p *S3Publisher) Name() string { return "s3" }

// Publish writes <prefix>/<date>/<runID>.json and <prefix>/latest.json.
func (p *S3Publisher) Publish(ctx context.Context, runID string, doc *assembly.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode briefing: %w", err)
	}
	keys := []string{
		path.Join(p.prefix, documentDate(doc), runID+".json"),
		path.Join(p.prefix, "latest.json"),
	}
	for _, key := range keys {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("put s3://%s/%s: %w", p.bucket, key, err)
		}
		p.logger.Debug("Wrote briefing object", zap.String("bucket", p.bucket), zap.String("key", key))
	}
	return nil
}

func awsLogMode(lgr *zap.Logger) aws.ClientLogMode {
	var mode aws.ClientLogMode
	if lgr.Core().Enabled(zap.DebugLevel) {
		mode = aws.LogRetries | aws.LogRequest | aws.LogResponse
	}
	return mode
}

func awsLogger(lgr *zap.Logger) logging.LoggerFunc {
	return func(classification logging.Classification, format string, v ...interface{}) {
		switch classification {
		case logging.Debug:
			lgr.Sugar().Debugf(format, v...)
		case logging.Warn:
			lgr.Sugar().Warnf(format, v...)
		}
	}
}
