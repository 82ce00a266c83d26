package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataworks/analyst/retrieve"
)

func TestIndexAll(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "market.md"),
		[]byte("# Market Overview\n\nThe market grew 12% last year."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "memo.txt"),
		[]byte("Internal memo about expansion."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"),
		[]byte{0x89, 0x50}, 0o644))

	idx := retrieve.NewMemIndex()
	w := NewWatcher(DefaultConfig(dir), idx, nil)

	count, err := w.IndexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	docs, err := idx.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	byTitle := map[string]*retrieve.Document{}
	for _, d := range docs {
		byTitle[d.Title] = d
	}
	require.Contains(t, byTitle, "Market Overview", "title from first heading")
	require.Contains(t, byTitle, "memo", "title from filename when no heading")
	assert.Equal(t, "market.md", byTitle["Market Overview"].Source)
}

func TestMatchesPatterns(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(Config{Dir: dir, IncludePatterns: []string{"docs/**/*.md"}}, retrieve.NewMemIndex(), nil)

	assert.True(t, w.matches(filepath.Join(dir, "docs", "a", "b.md")))
	assert.False(t, w.matches(filepath.Join(dir, "docs", "a", "b.txt")))
	assert.False(t, w.matches(filepath.Join(dir, "other", "b.md")))
}

func TestDocIDStable(t *testing.T) {
	assert.Equal(t, docID("a/b.md"), docID("a/b.md"))
	assert.NotEqual(t, docID("a/b.md"), docID("a/c.md"))
}
