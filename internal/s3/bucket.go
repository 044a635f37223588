package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// EnsureBucket creates the bucket when missing and applies a public-read
// policy so published URLs resolve without signing.
func EnsureBucket(ctx context.Context, opts Options) (created bool, err error) {
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil || endpoint.Host == "" {
		return false, fmt.Errorf("invalid endpoint %q", opts.Endpoint)
	}

	client, err := minio.New(endpoint.Host, &minio.Options{
		Creds:  miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: endpoint.Scheme == "https",
		Region: opts.Region,
	})
	if err != nil {
		return false, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return false, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return false, fmt.Errorf("create bucket %q: %w", opts.Bucket, err)
		}
	}

	if err := client.SetBucketPolicy(ctx, opts.Bucket, publicReadPolicy(opts.Bucket)); err != nil {
		return !exists, fmt.Errorf("set bucket policy: %w", err)
	}
	return !exists, nil
}

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
