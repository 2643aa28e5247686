// Package s3 provides the S3-backed blob tier. Objects are written with the
// transfer manager so large dialogue artifacts upload in parts, and every
// write is atomic: readers never observe a partial object.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	sdk "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/socraticlabs/bench/pipeline/storage"
)

const (
	defaultPartSizeMB  = 5
	defaultConcurrency = 5
	defaultOpTimeout   = 2 * time.Minute
)

type (
	// Client captures the S3 surface the store drives through the transfer
	// manager. It is satisfied by *sdk.Client so callers can pass either a
	// real client or a fake in tests.
	Client interface {
		manager.UploadAPIClient
		manager.DownloadAPIClient
	}

	// Options configures the S3 blob store.
	Options struct {
		// Bucket is the bucket holding all pipeline artifacts. Required.
		Bucket string
		// Prefix is prepended to every path, e.g. "bench/".
		Prefix string
		// Region overrides the ambient AWS region.
		Region string
		// Endpoint points at an S3-compatible service. When set, path-style
		// addressing is forced unless the endpoint is AWS itself.
		Endpoint string
		// Timeout bounds individual operations. Defaults to two minutes.
		Timeout time.Duration
	}

	// Store implements storage.Blob on top of S3.
	Store struct {
		client     Client
		uploader   *manager.Uploader
		downloader *manager.Downloader
		bucket     string
		prefix     string
		timeout    time.Duration
	}
)

var _ storage.Blob = (*Store)(nil)

// New builds an S3-backed blob store from ambient AWS credentials.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sdk.NewFromConfig(cfg, func(o *sdk.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			if !strings.Contains(opts.Endpoint, "amazonaws.com") {
				o.UsePathStyle = true
			}
		}
	})
	return NewWithClient(client, opts)
}

// NewWithClient builds a blob store around an existing S3 client. Used by
// tests and callers with custom credential setups.
func NewWithClient(client Client, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = defaultPartSizeMB * 1024 * 1024
		u.Concurrency = defaultConcurrency
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = defaultPartSizeMB * 1024 * 1024
		d.Concurrency = defaultConcurrency
	})
	return &Store{
		client:     client,
		uploader:   uploader,
		downloader: downloader,
		bucket:     opts.Bucket,
		prefix:     opts.Prefix,
		timeout:    timeout,
	}, nil
}

// Put writes data at path. S3 object writes are atomic, so concurrent
// writers of the same deterministic content converge on identical bytes.
func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.uploader.Upload(ctx, &sdk.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", path, err)
	}
	return nil
}

// Get reads the object at path. Missing keys map to storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &sdk.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + path
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
