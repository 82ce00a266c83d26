package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataworks/analyst/llm"
)

// scriptedGenerator returns canned reconciliation results.
type scriptedGenerator struct {
	updated func(current string) string
	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
}

func (g *scriptedGenerator) Complete(_ context.Context, _ llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: ""}, nil
}

func (g *scriptedGenerator) Structured(_ context.Context, req llm.Request, out any) error {
	if g.active.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.active.Add(-1)
	g.calls.Add(1)
	time.Sleep(5 * time.Millisecond)

	// The current document is embedded in the system prompt between --- markers.
	system := req.Messages[0].Content
	current := ""
	if parts := strings.SplitN(system, "---\n", 3); len(parts) == 3 {
		current = strings.TrimSuffix(parts[1], "---")
	}

	result := out.(*reconcileResult)
	result.UpdatedContent = g.updated(current)
	return nil
}

func TestManagerReadOrInit(t *testing.T) {
	m := NewManager(NewMemStore(), &scriptedGenerator{}, nil)
	ns := UserProfileNS("u1")

	value, err := m.ReadOrInit(context.Background(), ns, KeyProfile)
	require.NoError(t, err)
	assert.Contains(t, value, "# User Profile")

	// Second read returns the stored value, not a fresh default.
	require.NoError(t, m.store.Put(context.Background(), ns, KeyProfile, "custom"))
	value, err = m.ReadOrInit(context.Background(), ns, KeyProfile)
	require.NoError(t, err)
	assert.Equal(t, "custom", value)
}

// racingStore reports the key as missing while another writer seeds it,
// simulating a second process landing between the read and the create.
type racingStore struct {
	*MemStore
	missesLeft int
	seed       func()
}

func (s *racingStore) Get(ctx context.Context, ns Namespace, key string) (string, error) {
	if s.missesLeft > 0 {
		s.missesLeft--
		if s.seed != nil {
			s.seed()
			s.seed = nil
		}
		return "", ErrNotFound
	}
	return s.MemStore.Get(ctx, ns, key)
}

func TestReadOrInitYieldsToConcurrentSeeder(t *testing.T) {
	base := NewMemStore()
	ns := UserProfileNS("u1")
	store := &racingStore{MemStore: base, missesLeft: 2}
	store.seed = func() {
		require.NoError(t, base.Put(context.Background(), ns, KeyProfile, "seeded elsewhere"))
	}
	m := NewManager(store, &scriptedGenerator{}, nil)

	value, err := m.ReadOrInit(context.Background(), ns, KeyProfile)
	require.NoError(t, err)
	assert.Equal(t, "seeded elsewhere", value, "first writer wins")

	stored, err := base.Get(context.Background(), ns, KeyProfile)
	require.NoError(t, err)
	assert.Equal(t, "seeded elsewhere", stored, "default must not stamp over the seeded value")
}

func TestManagerLoadAll(t *testing.T) {
	m := NewManager(NewMemStore(), &scriptedGenerator{}, nil)

	all, err := m.LoadAll(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Contains(t, all[CategoryUserProfile], "User Profile")
	assert.Contains(t, all[CategoryCompanyProfile], "Company Profile")
	assert.Contains(t, all[CategoryPreferences], "User Preferences")
	assert.Contains(t, all[CategoryEpisodic], "Episodic Memory")
}

func TestReconcilePreservesUnrelatedSections(t *testing.T) {
	store := NewMemStore()
	ns := PreferencesNS("u1")
	current := "# User Preferences\n\n## Report Format\nDefault: markdown.\n\n## Frameworks\nSWOT.\n"
	require.NoError(t, store.Put(context.Background(), ns, KeyPreferences, current))

	// Echo-style generator: updates the format section, preserves the rest.
	gen := &scriptedGenerator{updated: func(cur string) string {
		return strings.Replace(cur, "Default: markdown.", "Default: json.", 1)
	}}
	m := NewManager(store, gen, nil)

	updated, err := m.Reconcile(context.Background(), ns, KeyPreferences,
		"User switched to json output.", "format preference changed")
	require.NoError(t, err)
	assert.Contains(t, updated, "Default: json.")
	assert.Contains(t, updated, "## Frameworks", "unrelated section must survive")
	assert.Contains(t, updated, "SWOT.")
}

func TestReconcileRejectsDroppedSections(t *testing.T) {
	store := NewMemStore()
	ns := PreferencesNS("u1")
	current := "# User Preferences\n\n## Report Format\nmarkdown.\n\n## Frameworks\nSWOT.\n"
	require.NoError(t, store.Put(context.Background(), ns, KeyPreferences, current))

	gen := &scriptedGenerator{updated: func(string) string {
		return "# User Preferences\n\n## Report Format\njson.\n" // Frameworks gone
	}}
	m := NewManager(store, gen, nil)

	value, err := m.Reconcile(context.Background(), ns, KeyPreferences, "evidence", "reason")
	require.ErrorIs(t, err, ErrReconcileRejected)
	assert.Equal(t, current, value, "stale value kept on rejection")

	stored, err := store.Get(context.Background(), ns, KeyPreferences)
	require.NoError(t, err)
	assert.Equal(t, current, stored, "store untouched on rejection")
}

func TestReconcileSerializedPerKey(t *testing.T) {
	store := NewMemStore()
	gen := &scriptedGenerator{updated: func(cur string) string { return cur }}
	m := NewManager(store, gen, nil)
	ns := EpisodicNS("u1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Reconcile(context.Background(), ns, KeyEpisodes, "evidence", "reason")
		}()
	}
	wg.Wait()

	assert.False(t, gen.overlap.Load(), "reconciliations on one key must not overlap")
	assert.Equal(t, int32(8), gen.calls.Load())
}

func TestReconcileInitializesMissingValue(t *testing.T) {
	gen := &scriptedGenerator{updated: func(cur string) string { return cur }}
	m := NewManager(NewMemStore(), gen, nil)

	value, err := m.Reconcile(context.Background(), EpisodicNS("u1"), KeyEpisodes, "evidence", "reason")
	require.NoError(t, err)
	assert.Contains(t, value, "# Episodic Memory")
}
