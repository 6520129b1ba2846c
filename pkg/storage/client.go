// Package storage reads system images from S3 so they can be streamed into an
// install without a local copy.
package storage

import (
	"context"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/dsu-installer/pkg/errors"
)

// Client reads system images from one bucket.
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// Options for NewClient. Endpoint targets an S3 compatible service.
type Options struct {
	Bucket   string
	Region   string
	Endpoint string
}

// NewClient returns a client for a public bucket; no credentials are sent.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3Client: s3Client,
		bucket:   opts.Bucket,
	}, nil
}

// Object is an open remote image. The caller closes Body.
type Object struct {
	Key  string
	Size int64
	Body io.ReadCloser
}

// Open starts reading key.
func (c *Client) Open(ctx context.Context, key string) (*Object, error) {
	slog.Info("s3_open", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to open remote image")
	}

	size := aws.ToInt64(result.ContentLength)
	if size <= 0 {
		result.Body.Close()
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "object %s has no content length", key)
	}

	slog.Info("s3_object_opened", "s3_key", key, "size_mb", size/1024/1024)
	return &Object{Key: key, Size: size, Body: result.Body}, nil
}

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ListObjects returns every image key under prefix.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	slog.Debug("remote_image_list", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("remote_image_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list remote images")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				objects = append(objects, ObjectInfo{Key: *obj.Key, Size: aws.ToInt64(obj.Size)})
			}
		}
	}

	slog.Info("remote_images_listed", "prefix", prefix, "count", len(objects))
	return objects, nil
}
