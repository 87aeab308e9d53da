package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local serves datasets from directories under a root path.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) datasetDir(dataset string) string {
	return filepath.Join(l.root, sanitize(dataset))
}

func (l *Local) ListFiles(ctx context.Context, dataset string) ([]FileInfo, error) {
	entries, err := os.ReadDir(l.datasetDir(dataset))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("list dataset %s: %w", dataset, err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:         e.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (l *Local) GetFile(ctx context.Context, dataset, filename string) (io.ReadCloser, error) {
	path := filepath.Join(l.datasetDir(dataset), sanitize(filename))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", dataset, filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", dataset, filename, err)
	}
	return f, nil
}

func (l *Local) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	info, err := os.Stat(l.datasetDir(dataset))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat dataset %s: %w", dataset, err)
	}
	return info.IsDir(), nil
}

func (l *Local) CreateDataset(ctx context.Context, dataset string) error {
	if err := os.MkdirAll(l.datasetDir(dataset), 0o755); err != nil {
		return fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	return nil
}

// sanitize strips path components so dataset and file names cannot escape
// the root.
func sanitize(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
