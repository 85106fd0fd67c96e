package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when an export is not in the sink.
var ErrNotFound = errors.New("object not found")

// Sink stores finished exports.
type Sink interface {
	// Put stores data under key and returns a location for logs and status.
	Put(ctx context.Context, key string, data []byte, filename string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// DownloadURL returns a direct link, or "" when the server must stream it.
	DownloadURL(ctx context.Context, key, filename string) (string, error)
}

// S3Options configures the bucket client.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	PresignTTL      time.Duration
}

// S3Client stores exports in a bucket.
type S3Client struct {
	client     *s3.Client
	uploader   *manager.Uploader
	presign    *s3.PresignClient
	bucketName string
	prefix     string
	presignTTL time.Duration
}

// NewS3Client loads the default AWS config chain; static keys win when set.
func NewS3Client(ctx context.Context, opts S3Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket not configured")
	}
	loadOpts := []func(*awscfg.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	ttl := opts.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3Client{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		presign:    s3.NewPresignClient(cli),
		bucketName: opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		presignTTL: ttl,
	}, nil
}

func (s *S3Client) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Client) Put(ctx context.Context, key string, data []byte, filename string) (string, error) {
	k := s.objectKey(key)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucketName),
		Key:                aws.String(k),
		Body:               bytes.NewReader(data),
		ContentType:        aws.String("application/pdf"),
		ContentDisposition: aws.String(contentDisposition(filename)),
		Metadata:           map[string]string{"name": filename},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	loc := fmt.Sprintf("s3://%s/%s", s.bucketName, k)
	log.Info().Str("location", loc).Int("size", len(data)).Msg("uploaded export to S3")
	return loc, nil
}

func (s *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk interface{ ErrorCode() string }
		if errors.As(err, &nsk) && (nsk.ErrorCode() == "NoSuchKey" || nsk.ErrorCode() == "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()
	b, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return b, nil
}

func (s *S3Client) DownloadURL(ctx context.Context, key, filename string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucketName),
		Key:                        aws.String(s.objectKey(key)),
		ResponseContentDisposition: aws.String(contentDisposition(filename)),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	return req.URL, nil
}

// Ping checks that the bucket exists and is reachable.
func (s *S3Client) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

func (s *S3Client) Bucket() string { return s.bucketName }

func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}
