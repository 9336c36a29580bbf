// Package backup ships user-store snapshots to S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"stockroom/config"
	"stockroom/fsutil"
)

const (
	keyTimeLayout = "20060102_150405"
	defaultRegion = "us-east-1"
	maxObjectSize = 32 << 20
)

var (
	ErrNotConfigured  = errors.New("s3 backup bucket is not configured")
	ErrObjectNotFound = errors.New("backup object not found")
)

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Sink struct {
	client objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Sink builds a client from the backup config. Static keys are used
// when both are set; otherwise the default AWS credential chain applies.
func NewS3Sink(ctx context.Context, cfg config.Backup) (*S3Sink, error) {
	if !cfg.S3Enabled() {
		return nil, ErrNotConfigured
	}

	region := cfg.S3Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newSink(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func newSink(client objectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

func (s *S3Sink) Bucket() string { return s.bucket }

// SnapshotName returns a file name for a user snapshot taken at t. Names
// sort by time and never collide within the same second.
func SnapshotName(t time.Time) string {
	return fmt.Sprintf("users-%s-%s.json", t.UTC().Format(keyTimeLayout), uuid.NewString())
}

func (s *S3Sink) newKey() string {
	name := SnapshotName(s.now())
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Upload copies a local snapshot to the bucket and returns its object key.
func (s *S3Sink) Upload(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	key := s.newKey()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return key, nil
}

// Download fetches key and writes it atomically to dst.
func (s *S3Sink) Download(ctx context.Context, key, dst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("%w: %s: %w", ErrObjectNotFound, key, err)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if len(data) > maxObjectSize {
		return fmt.Errorf("object %s exceeds %d bytes", key, maxObjectSize)
	}
	return fsutil.WriteFileAtomic(dst, data, 0o600)
}

// List returns snapshot keys under the prefix, newest first.
func (s *S3Sink) List(ctx context.Context) ([]string, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		in.Prefix = aws.String(s.prefix + "/")
	}

	var keys []string
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("listing backups: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}
	// Keys embed a sortable timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}
