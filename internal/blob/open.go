package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisabled is returned by Open for the "none" driver.
var ErrDisabled = errors.New("snapshot archive disabled")

// Config selects and configures a Store.
type Config struct {
	Driver    Driver
	Dir       string // fs
	Bucket    string // s3
	Region    string
	Endpoint  string
	PathStyle bool
}

// Open constructs the Store cfg names.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, ErrDisabled
	case DriverFS:
		return NewFSStore(cfg.Dir)
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverS3:
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
}
