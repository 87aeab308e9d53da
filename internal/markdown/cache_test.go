package markdown

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/docextract/internal/blob"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	blobRoot := t.TempDir()
	cacheRoot := t.TempDir()
	c := NewCache(cacheRoot, blob.NewLocal(blobRoot), testLogger(), false)
	return c, blobRoot
}

func writeBlob(t *testing.T, root, dataset, name string, data []byte) {
	t.Helper()
	dir := filepath.Join(root, dataset)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestGetMarkdownTextFile(t *testing.T) {
	c, blobRoot := newTestCache(t)
	writeBlob(t, blobRoot, "ds", "notes.txt", []byte("first line\n\nsecond para"))

	text, err := c.GetMarkdown(context.Background(), "src", "ds", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "first line\n\nsecond para", text)

	// The conversion landed at the deterministic cache path.
	cached, err := os.ReadFile(c.Path("src", "ds", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, string(cached))
}

func TestGetMarkdownMemoised(t *testing.T) {
	c, blobRoot := newTestCache(t)
	writeBlob(t, blobRoot, "ds", "doc.txt", []byte("original"))

	first, err := c.GetMarkdown(context.Background(), "src", "ds", "doc.txt")
	require.NoError(t, err)

	// Changing the blob afterwards must not change the cached answer.
	writeBlob(t, blobRoot, "ds", "doc.txt", []byte("mutated"))
	second, err := c.GetMarkdown(context.Background(), "src", "ds", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "original", second)
}

func TestGetMarkdownEmptyFilePlaceholder(t *testing.T) {
	c, blobRoot := newTestCache(t)
	writeBlob(t, blobRoot, "ds", "empty.txt", []byte("   \n  "))

	text, err := c.GetMarkdown(context.Background(), "src", "ds", "empty.txt")
	require.NoError(t, err)
	assert.Equal(t, Placeholder, text)
}

func TestGetMarkdownMissingBlob(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.GetMarkdown(context.Background(), "src", "ds", "ghost.txt")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestGetMarkdownHTML(t *testing.T) {
	c, blobRoot := newTestCache(t)
	page := `<html><head><style>p{color:red}</style></head><body>
		<nav>skip this</nav>
		<h1>Annual Report</h1>
		<p>Revenue grew.</p>
		<h2>Details</h2>
		<p>See table 3.</p>
	</body></html>`
	writeBlob(t, blobRoot, "ds", "report.html", []byte(page))

	text, err := c.GetMarkdown(context.Background(), "src", "ds", "report.html")
	require.NoError(t, err)
	assert.Contains(t, text, "# Annual Report")
	assert.Contains(t, text, "## Details")
	assert.Contains(t, text, "Revenue grew.")
	assert.NotContains(t, text, "skip this")
	assert.NotContains(t, text, "color:red")
}

func TestGetMarkdownLatin1(t *testing.T) {
	c, blobRoot := newTestCache(t)
	// "café" in latin-1: 0xE9 is not valid UTF-8 on its own.
	writeBlob(t, blobRoot, "ds", "menu.txt", []byte{'c', 'a', 'f', 0xE9})

	text, err := c.GetMarkdown(context.Background(), "src", "ds", "menu.txt")
	require.NoError(t, err)
	assert.Equal(t, "café", text)
}

func TestGetMarkdownWindows1252(t *testing.T) {
	c, blobRoot := newTestCache(t)
	// Smart quotes sit in the 0x80-0x9F block, where cp1252 and latin-1
	// disagree; they must come out as real punctuation.
	writeBlob(t, blobRoot, "ds", "quote.txt", []byte{0x93, 'h', 'i', 0x94})

	text, err := c.GetMarkdown(context.Background(), "src", "ds", "quote.txt")
	require.NoError(t, err)
	assert.Equal(t, "“hi”", text)
}

func TestPathLayout(t *testing.T) {
	c := NewCache("/data", blob.NewLocal("/blobs"), testLogger(), false)
	got := c.Path("reports", "q3", "summary.pdf")
	assert.Equal(t, filepath.Join("/data", "cached", "reports", "q3-md", "summary.md"), got)
	assert.True(t, strings.HasSuffix(c.Path("s", "d", "noext"), filepath.Join("d-md", "noext.md")))
}
