// Package blob is the object-storage facade used to archive processed
// extracts. Concrete drivers live under internal/infra/blob.
package blob

import (
	"context"
	"fmt"

	"crisimport/internal/blob/core"
	"crisimport/internal/infra/blob/fs"
	"crisimport/internal/infra/blob/memory"
	"crisimport/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Config selects and configures a driver. An empty Driver disables archival.
type Config struct {
	Driver      Driver `yaml:"driver"`
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Enabled reports whether a driver is configured.
func (c Config) Enabled() bool { return c.Driver != "" }

// Open constructs the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem:
		store, err := fs.New(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		store, err := s3.New(ctx, s3.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return memory.New(), nil
	case "":
		return nil, fmt.Errorf("blob driver not configured")
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
