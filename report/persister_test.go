package report

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataworks/analyst/retrieve"
)

func TestMemPersisterAssignsID(t *testing.T) {
	p := NewMemPersister(nil)

	id, err := p.Persist(context.Background(), &Artifact{
		ExecutionID: "exec-1",
		UserID:      "user-1",
		Title:       "Market Entry Report",
		Content:     "# Market Entry Report\n\nFindings...",
		Format:      "markdown",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "report-"), "generated ID: %s", id)

	require.Len(t, p.Artifacts, 1)
	assert.Equal(t, id, p.Artifacts[0].ID)
	assert.False(t, p.Artifacts[0].CreatedAt.IsZero())
}

func TestMemPersisterKeepsExplicitID(t *testing.T) {
	p := NewMemPersister(nil)

	id, err := p.Persist(context.Background(), &Artifact{ID: "report-fixed", Title: "T", Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, "report-fixed", id)
}

func TestPersistReindexesIntoCorpus(t *testing.T) {
	idx := retrieve.NewMemIndex()
	p := NewMemPersister(idx)

	_, err := p.Persist(context.Background(), &Artifact{
		Title:   "Churn Analysis",
		Content: "Subscription churn fell by half after the pricing change.",
		Tags:    []string{"research"},
	})
	require.NoError(t, err)

	// The finished report is immediately retrievable for later sessions.
	r := retrieve.NewCorpusRetriever(idx)
	passages, err := r.Retrieve(context.Background(), "subscription churn pricing", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, passages)
	assert.Contains(t, passages[0].Content, "churn")
	assert.True(t, strings.HasPrefix(passages[0].Source, "report/"))
}
