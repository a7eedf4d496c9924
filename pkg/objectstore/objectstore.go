// Package objectstore uploads call recordings to durable storage and returns
// a URL the recording can be fetched from.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores bytes under name.
type Uploader interface {
	Upload(ctx context.Context, data []byte, name, contentType string) (url string, err error)
}

// S3Options configures an S3 uploader.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
	// PublicBaseURL, when set, is joined with the key instead of presigning.
	PublicBaseURL string
	PresignTTL    time.Duration

	AccessKeyID     string
	SecretAccessKey string
}

// S3 uploads to an S3-compatible bucket.
type S3 struct {
	opts      S3Options
	client    *s3.Client
	presigner *s3.PresignClient
}

// NewS3 builds an uploader from the default AWS credential chain, or from
// static keys when both are set.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 7 * 24 * time.Hour
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		opts:      opts,
		client:    client,
		presigner: s3.NewPresignClient(client),
	}, nil
}

func (s *S3) Upload(ctx context.Context, data []byte, name, contentType string) (string, error) {
	key := objectKey(s.opts.Prefix, name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + key, nil
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.opts.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

func objectKey(prefix, name string) string {
	name = strings.TrimLeft(path.Clean("/"+name), "/")
	if prefix == "" {
		return name
	}
	return strings.Trim(prefix, "/") + "/" + name
}

// Memory keeps uploads in process. It is used when no bucket is configured.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) Upload(_ context.Context, data []byte, name, contentType string) (string, error) {
	key := objectKey("", name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return "memory://" + key, nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) (data []byte, contentType string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}
