package blob

import (
	"context"
	"fmt"

	"virtool/internal/config"
	"virtool/internal/infra/blob/fs"
	memorystore "virtool/internal/infra/blob/memory"
	infraS3 "virtool/internal/infra/blob/s3"
)

// Open builds the blob store named by cfg.Driver. An empty filesystem root
// falls back to fallbackRoot.
func Open(ctx context.Context, cfg config.Blob, fallbackRoot string) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		root := cfg.FSRoot
		if root == "" {
			root = fallbackRoot
		}
		return fs.New(root)
	case DriverS3:
		return infraS3.New(ctx, infraS3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKey,
			SecretAccessKey: cfg.S3.SecretKey,
			PathStyle:       cfg.S3.UsePathStyle,
		})
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the S3 store over a fake transport for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
