package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOArchiver stores archived clusters as objects. The bucket is created
// on first use.
type MinIOArchiver struct {
	client *minio.Client
	bucket string

	bucketOnce sync.Once
	bucketErr  error
}

func NewMinIOArchiver(cfg MinIOConfig) (*MinIOArchiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when STAPI_ARCHIVE=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "stapi-htc-archive"
	}
	return &MinIOArchiver{client: client, bucket: bucket}, nil
}

func (a *MinIOArchiver) ensureBucket(ctx context.Context) error {
	a.bucketOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.bucketErr = err
			return
		}
		if !exists {
			a.bucketErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{})
		}
	})
	return a.bucketErr
}

func (a *MinIOArchiver) Archive(ctx context.Context, rec Record) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket %s: %w", a.bucket, err)
	}
	b, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, a.bucket, objectName(rec.Cluster.ID), bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
