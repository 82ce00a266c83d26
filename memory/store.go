// Package memory provides namespaced, cross-session memory for users.
// Values are small markdown documents (profile, preferences, episodic log)
// mutated only through LLM-driven reconciliation, never by blind overwrite.
package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotFound is returned when a memory entry does not exist.
var ErrNotFound = errors.New("memory entry not found")

// ErrAlreadyExists is returned by Create when the key is already present.
var ErrAlreadyExists = errors.New("memory entry already exists")

// Bucket is the KV bucket name for memory storage.
const Bucket = "ANALYST_MEMORY"

// Scope is the top-level namespace scope for this agent.
const Scope = "analyst"

// Memory categories. Each user has one value per category.
const (
	CategoryUserProfile    = "user_profile"
	CategoryCompanyProfile = "company_profile"
	CategoryPreferences    = "user_preferences"
	CategoryEpisodic       = "episodic_memory"
)

// Namespace identifies one memory scope: (scope, subject, category).
type Namespace struct {
	Scope     string
	SubjectID string
	Category  string
}

// UserProfileNS returns the user-profile namespace for a user.
func UserProfileNS(userID string) Namespace {
	return Namespace{Scope: Scope, SubjectID: userID, Category: CategoryUserProfile}
}

// CompanyProfileNS returns the company-profile namespace for a user.
func CompanyProfileNS(userID string) Namespace {
	return Namespace{Scope: Scope, SubjectID: userID, Category: CategoryCompanyProfile}
}

// PreferencesNS returns the preferences namespace for a user.
func PreferencesNS(userID string) Namespace {
	return Namespace{Scope: Scope, SubjectID: userID, Category: CategoryPreferences}
}

// EpisodicNS returns the episodic-memory namespace for a user.
func EpisodicNS(userID string) Namespace {
	return Namespace{Scope: Scope, SubjectID: userID, Category: CategoryEpisodic}
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// storageKey flattens a namespace + key into a KV-safe dotted key.
func storageKey(ns Namespace, key string) string {
	parts := []string{ns.Scope, ns.SubjectID, ns.Category, key}
	for i, p := range parts {
		parts[i] = unsafeKeyChars.ReplaceAllString(p, "_")
	}
	return strings.Join(parts, ".")
}

// Store is the raw key/value contract beneath the Manager. Direct writes
// exist only for initialization and tests; ordinary code goes through
// Manager.Reconcile.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) (string, error)
	Put(ctx context.Context, ns Namespace, key, value string) error

	// Create writes the value only if the key is absent, atomically even
	// across processes sharing the store. Returns ErrAlreadyExists when
	// another writer got there first.
	Create(ctx context.Context, ns Namespace, key, value string) error
}

// NATSStore stores memory in a NATS JetStream KV bucket.
type NATSStore struct {
	kv jetstream.KeyValue
}

// NewNATSStore creates the memory bucket if needed and returns a store.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	kv, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "Analyst user memory storage",
			History:     5, // Keep last 5 revisions
		})
		if err != nil {
			return nil, fmt.Errorf("create memory bucket: %w", err)
		}
	}
	return &NATSStore{kv: kv}, nil
}

// Get reads a memory value.
func (s *NATSStore) Get(ctx context.Context, ns Namespace, key string) (string, error) {
	entry, err := s.kv.Get(ctx, storageKey(ns, key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get memory: %w", err)
	}
	return string(entry.Value()), nil
}

// Put writes a memory value.
func (s *NATSStore) Put(ctx context.Context, ns Namespace, key, value string) error {
	if _, err := s.kv.Put(ctx, storageKey(ns, key), []byte(value)); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	return nil
}

// Create writes a memory value only if the key is absent. KV create is
// atomic bucket-wide, so two processes cannot both seed a key.
func (s *NATSStore) Create(ctx context.Context, ns Namespace, key, value string) error {
	if _, err := s.kv.Create(ctx, storageKey(ns, key), []byte(value)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create memory: %w", err)
	}
	return nil
}
