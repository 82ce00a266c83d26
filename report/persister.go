// Package report persists completed research artifacts and feeds them back
// into the retrieval corpus so later sessions can cite earlier work.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/strataworks/analyst/retrieve"
)

// Bucket is the KV bucket name for persisted reports.
const Bucket = "ANALYST_REPORTS"

// ReindexSubject is the subject prefix for re-index notifications.
const ReindexSubject = "analyst.reindex"

// Artifact is a completed report plus its metadata.
type Artifact struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Format      string    `json:"format"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Persister stores a completed artifact and returns its ID. Implementations
// are also responsible for re-indexing the artifact into the retrieval
// corpus.
type Persister interface {
	Persist(ctx context.Context, artifact *Artifact) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NATSPersister stores artifacts in a KV bucket, re-indexes them into the
// corpus, and publishes a re-index notification.
type NATSPersister struct {
	kv    jetstream.KeyValue
	js    jetstream.JetStream
	index retrieve.Index
}

// NewNATSPersister creates the reports bucket if needed.
func NewNATSPersister(ctx context.Context, js jetstream.JetStream, index retrieve.Index) (*NATSPersister, error) {
	kv, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "Analyst persisted reports",
		})
		if err != nil {
			return nil, fmt.Errorf("create reports bucket: %w", err)
		}
	}
	return &NATSPersister{kv: kv, js: js, index: index}, nil
}

// Persist stores the artifact, re-indexes it, and announces it.
func (p *NATSPersister) Persist(ctx context.Context, artifact *Artifact) (string, error) {
	if artifact.ID == "" {
		artifact.ID = fmt.Sprintf("report-%s", uuid.New().String()[:8])
	}
	artifact.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	key := unsafeKeyChars.ReplaceAllString(artifact.ID, "_")
	if _, err := p.kv.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}

	if p.index != nil {
		err = p.index.Add(ctx, &retrieve.Document{
			ID:      artifact.ID,
			Title:   artifact.Title,
			Content: artifact.Content,
			Source:  "report/" + artifact.ID,
			Tags:    artifact.Tags,
		})
		if err != nil {
			return "", fmt.Errorf("re-index artifact: %w", err)
		}
	}

	if _, err := p.js.Publish(ctx, ReindexSubject+"."+key, data); err != nil {
		// Announcement is best-effort; the artifact and index are durable.
		return artifact.ID, nil
	}
	return artifact.ID, nil
}

// MemPersister is an in-memory Persister for tests.
type MemPersister struct {
	mu        sync.Mutex
	Artifacts []*Artifact
	index     retrieve.Index
}

// NewMemPersister creates an in-memory persister. index may be nil.
func NewMemPersister(index retrieve.Index) *MemPersister {
	return &MemPersister{index: index}
}

// Persist records the artifact.
func (p *MemPersister) Persist(ctx context.Context, artifact *Artifact) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if artifact.ID == "" {
		artifact.ID = fmt.Sprintf("report-%s", uuid.New().String()[:8])
	}
	artifact.CreatedAt = time.Now().UTC()
	copied := *artifact
	p.Artifacts = append(p.Artifacts, &copied)

	if p.index != nil {
		err := p.index.Add(ctx, &retrieve.Document{
			ID:      artifact.ID,
			Title:   artifact.Title,
			Content: artifact.Content,
			Source:  "report/" + artifact.ID,
			Tags:    artifact.Tags,
		})
		if err != nil {
			return "", err
		}
	}
	return artifact.ID, nil
}
