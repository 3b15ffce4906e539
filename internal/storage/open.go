package storage

import (
	"context"
	"fmt"
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver   `yaml:"driver" json:"driver"`
	S3     S3Config `yaml:"s3" json:"s3"`
}

// Open returns the store for cfg. The filesystem driver (the default) is
// rooted at root, normally the run's output prefix.
func Open(ctx context.Context, cfg Config, root string) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFS(root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
