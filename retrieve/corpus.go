package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the KV bucket name for the document corpus.
const Bucket = "ANALYST_CORPUS"

// Document is one indexed corpus entry.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Tags      []string  `json:"tags,omitempty"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Index stores and lists corpus documents.
type Index interface {
	Add(ctx context.Context, doc *Document) error
	List(ctx context.Context) ([]*Document, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NATSIndex stores the corpus in a NATS JetStream KV bucket.
type NATSIndex struct {
	kv jetstream.KeyValue
}

// NewNATSIndex creates the corpus bucket if needed and returns an index.
func NewNATSIndex(ctx context.Context, js jetstream.JetStream) (*NATSIndex, error) {
	kv, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "Analyst retrieval corpus",
		})
		if err != nil {
			return nil, fmt.Errorf("create corpus bucket: %w", err)
		}
	}
	return &NATSIndex{kv: kv}, nil
}

// Add indexes a document, overwriting any previous revision.
func (i *NATSIndex) Add(ctx context.Context, doc *Document) error {
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	key := unsafeKeyChars.ReplaceAllString(doc.ID, "_")
	if _, err := i.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	return nil
}

// List returns all corpus documents.
func (i *NATSIndex) List(ctx context.Context) ([]*Document, error) {
	keys, err := i.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list corpus keys: %w", err)
	}

	docs := make([]*Document, 0, len(keys))
	for _, key := range keys {
		entry, err := i.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var doc Document
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// MemIndex is an in-memory Index for tests.
type MemIndex struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemIndex creates an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{docs: make(map[string]*Document)}
}

// Add indexes a document.
func (i *MemIndex) Add(_ context.Context, doc *Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	copied := *doc
	if copied.IndexedAt.IsZero() {
		copied.IndexedAt = time.Now().UTC()
	}
	i.docs[doc.ID] = &copied
	return nil
}

// List returns all documents.
func (i *MemIndex) List(_ context.Context) ([]*Document, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	docs := make([]*Document, 0, len(i.docs))
	for _, d := range i.docs {
		docs = append(docs, d)
	}
	return docs, nil
}

// CorpusRetriever ranks corpus paragraphs by term overlap with the query.
type CorpusRetriever struct {
	index Index
}

// NewCorpusRetriever creates a retriever over an index.
func NewCorpusRetriever(index Index) *CorpusRetriever {
	return &CorpusRetriever{index: index}
}

// Retrieve returns the topK best-scoring paragraphs. Filters: "tag" keeps
// documents carrying the tag; "source" keeps documents from one source.
func (r *CorpusRetriever) Retrieve(ctx context.Context, query string, topK int, filters map[string]string) ([]Passage, error) {
	if topK <= 0 {
		topK = 5
	}

	docs, err := r.index.List(ctx)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var passages []Passage
	for _, doc := range docs {
		if !matchesFilters(doc, filters) {
			continue
		}
		for _, para := range splitParagraphs(doc.Content) {
			score := overlapScore(terms, tokenize(para))
			if score == 0 {
				continue
			}
			source := doc.Source
			if source == "" {
				source = doc.Title
			}
			passages = append(passages, Passage{Content: para, Source: source, Score: score})
		}
	}

	sort.SliceStable(passages, func(a, b int) bool {
		return passages[a].Score > passages[b].Score
	})
	if len(passages) > topK {
		passages = passages[:topK]
	}
	return passages, nil
}

func matchesFilters(doc *Document, filters map[string]string) bool {
	if tag := filters["tag"]; tag != "" {
		found := false
		for _, t := range doc.Tags {
			if strings.EqualFold(t, tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if source := filters["source"]; source != "" && !strings.EqualFold(doc.Source, source) {
		return false
	}
	return true
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords excluded from scoring; overlap on these says nothing.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "what": true, "which": true, "with": true,
}

func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if stopwords[tok] || len(tok) < 2 {
			continue
		}
		tokens[tok]++
	}
	return tokens
}

func overlapScore(query, candidate map[string]int) float64 {
	if len(candidate) == 0 {
		return 0
	}
	matched := 0
	for term := range query {
		if candidate[term] > 0 {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func splitParagraphs(content string) []string {
	var out []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) >= 40 {
			out = append(out, para)
		}
	}
	return out
}
