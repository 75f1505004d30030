//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("GRACE_CORE_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GRACE_CORE_ARCHIVE_GCS_BUCKET is required for GCS archiving")
	}

	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("GRACE_CORE_ARCHIVE_GCS_PREFIX"),
	})
}
