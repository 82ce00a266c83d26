package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T) *MemIndex {
	t.Helper()
	idx := NewMemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, &Document{
		ID:      "doc-1",
		Title:   "Competitor Pricing Analysis",
		Source:  "reports/pricing.md",
		Tags:    []string{"pricing"},
		Content: "Acme Corp lowered subscription pricing by 20% in Q3.\n\nTheir enterprise tier now undercuts every major competitor in the segment.",
	}))
	require.NoError(t, idx.Add(ctx, &Document{
		ID:      "doc-2",
		Title:   "Hiring Trends",
		Source:  "reports/hiring.md",
		Tags:    []string{"talent"},
		Content: "Engineering hiring slowed across the sector.\n\nRemote-first policies remain the dominant recruiting lever for startups.",
	}))
	return idx
}

func TestCorpusRetrieverRanksRelevantPassages(t *testing.T) {
	r := NewCorpusRetriever(seedIndex(t))

	passages, err := r.Retrieve(context.Background(), "competitor subscription pricing", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, passages)

	assert.Contains(t, passages[0].Content, "pricing")
	assert.Equal(t, "reports/pricing.md", passages[0].Source)
	for i := 1; i < len(passages); i++ {
		assert.LessOrEqual(t, passages[i].Score, passages[i-1].Score)
	}
}

func TestCorpusRetrieverTopK(t *testing.T) {
	r := NewCorpusRetriever(seedIndex(t))

	passages, err := r.Retrieve(context.Background(), "pricing competitor hiring engineering", 1, nil)
	require.NoError(t, err)
	assert.Len(t, passages, 1)
}

func TestCorpusRetrieverTagFilter(t *testing.T) {
	r := NewCorpusRetriever(seedIndex(t))

	passages, err := r.Retrieve(context.Background(), "pricing hiring", 5, map[string]string{"tag": "talent"})
	require.NoError(t, err)
	for _, p := range passages {
		assert.Equal(t, "reports/hiring.md", p.Source)
	}
}

func TestCorpusRetrieverEmptyQuery(t *testing.T) {
	r := NewCorpusRetriever(seedIndex(t))

	passages, err := r.Retrieve(context.Background(), "the of and", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://example.com/page", false},
		{"http rejected", "http://example.com", true},
		{"localhost rejected", "https://localhost/x", true},
		{"loopback ip rejected", "https://127.0.0.1/x", true},
		{"private ip rejected", "https://10.0.0.5/x", true},
		{"cgnat rejected", "https://100.64.1.1/x", true},
		{"local domain rejected", "https://service.internal/x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
