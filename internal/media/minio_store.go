package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBucket = "courier-media"

// MinioConfig addresses an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinioStore keeps blobs in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("media: minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, content []byte, contentType string) (string, error) {
	address := ContentAddress(content)
	_, err := s.client.PutObject(ctx, s.bucket, address, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		if isPermanentMinioError(err) {
			return "", fmt.Errorf("%w: %v", ErrPermanentUpload, err)
		}
		return "", err
	}
	return address, nil
}

func (s *MinioStore) Exists(ctx context.Context, address string) (bool, error) {
	if err := ValidateAddress(address); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, address, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (s *MinioStore) Get(ctx context.Context, address string) (Blob, error) {
	if err := ValidateAddress(address); err != nil {
		return Blob{}, err
	}
	object, err := s.client.GetObject(ctx, s.bucket, address, minio.GetObjectOptions{})
	if err != nil {
		return Blob{}, err
	}
	info, err := object.Stat()
	if err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Blob{}, fmt.Errorf("%w: %s", ErrBlobNotFound, address)
		}
		return Blob{}, err
	}
	return Blob{Address: address, ContentType: info.ContentType, Size: info.Size, Body: object}, nil
}

// SignedURL returns a presigned GET link so clients can download straight from the bucket.
func (s *MinioStore) SignedURL(ctx context.Context, address string, expiry time.Duration) (*url.URL, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	return s.client.PresignedGetObject(ctx, s.bucket, address, expiry, url.Values{})
}

func isPermanentMinioError(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "EntityTooLarge":
		return true
	default:
		return false
	}
}
