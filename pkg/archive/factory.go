package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates a segment archive based on environment variables.
//
// Environment variables:
//   - GRACE_CORE_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//   - GRACE_CORE_ARCHIVE_DIR: filesystem archive directory
//   - GRACE_CORE_DATA_DIR: base for the filesystem archive when
//     GRACE_CORE_ARCHIVE_DIR is unset (default: "data")
//
// For S3:
//   - GRACE_CORE_ARCHIVE_S3_BUCKET (required)
//   - GRACE_CORE_ARCHIVE_S3_REGION or AWS_REGION
//   - GRACE_CORE_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - GRACE_CORE_ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires -tags gcp):
//   - GRACE_CORE_ARCHIVE_GCS_BUCKET (required)
//   - GRACE_CORE_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, StoreType(os.Getenv("GRACE_CORE_ARCHIVE_TYPE")))
}

// NewStore creates a segment archive of the given type. Backend settings
// (buckets, regions, prefixes) still come from the environment. An empty
// type selects the filesystem store.
func NewStore(ctx context.Context, storeType StoreType) (Store, error) {
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	if dir := os.Getenv("GRACE_CORE_ARCHIVE_DIR"); dir != "" {
		return NewFileStore(dir)
	}
	dataDir := os.Getenv("GRACE_CORE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "archive"))
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("GRACE_CORE_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GRACE_CORE_ARCHIVE_S3_BUCKET is required for S3 archiving")
	}

	region := os.Getenv("GRACE_CORE_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("GRACE_CORE_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("GRACE_CORE_ARCHIVE_S3_PREFIX"),
	})
}
