package markdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgallion1/docextract/internal/blob"
)

// Placeholder replaces empty conversion output so downstream chunking always
// sees at least one character.
const Placeholder = "[no text content]"

// ErrConversion marks a document that could not be converted to text.
var ErrConversion = errors.New("document conversion failed")

// Cache converts dataset files to markdown and memoises the result on disk.
// The cache tree is single-writer per key: converted text is published with
// a write-to-temp-then-rename, so concurrent readers of distinct filenames
// are safe.
type Cache struct {
	root              string
	blobs             blob.Store
	log               *slog.Logger
	fallbackPdftotext bool
}

func NewCache(dataRoot string, blobs blob.Store, log *slog.Logger, fallbackPdftotext bool) *Cache {
	return &Cache{
		root:              dataRoot,
		blobs:             blobs,
		log:               log,
		fallbackPdftotext: fallbackPdftotext,
	}
}

// Path returns the deterministic cache location for a file:
// <dataRoot>/cached/<source>/<dataset>-md/<stem>.md
func (c *Cache) Path(source, dataset, filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return filepath.Join(c.root, "cached", source, dataset+"-md", stem+".md")
}

// GetMarkdown returns the markdown text for a dataset file, converting and
// caching it on first access.
func (c *Cache) GetMarkdown(ctx context.Context, source, dataset, filename string) (string, error) {
	cachePath := c.Path(source, dataset, filename)

	if data, err := os.ReadFile(cachePath); err == nil && len(data) > 0 {
		return string(data), nil
	}

	rc, err := c.blobs.GetFile(ctx, dataset, filename)
	if err != nil {
		return "", fmt.Errorf("fetch %s/%s: %w", dataset, filename, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", dataset, filename, err)
	}

	text, err := c.convert(filename, data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrConversion, filename, err)
	}
	if strings.TrimSpace(text) == "" {
		text = Placeholder
	}

	if err := writeAtomic(cachePath, []byte(text)); err != nil {
		return "", fmt.Errorf("cache %s: %w", cachePath, err)
	}
	c.log.Info("converted document", "source", source, "dataset", dataset,
		"file", filename, "chars", len(text))
	return text, nil
}

func (c *Cache) convert(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return convertPDF(data, c.fallbackPdftotext)
	case ".docx":
		return convertDOCX(data)
	case ".html", ".htm":
		return convertHTML(data)
	default:
		return decodeText(data), nil
	}
}

// writeAtomic publishes content via write-to-temp-then-rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".md-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
