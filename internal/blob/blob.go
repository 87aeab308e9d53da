package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a dataset or file does not exist.
var ErrNotFound = errors.New("blob not found")

// FileInfo describes one file in a dataset.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is byte I/O over datasets of files. Implementations must be safe for
// concurrent use.
type Store interface {
	ListFiles(ctx context.Context, dataset string) ([]FileInfo, error)
	GetFile(ctx context.Context, dataset, filename string) (io.ReadCloser, error)
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	CreateDataset(ctx context.Context, dataset string) error
}
