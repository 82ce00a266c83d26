package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/strataworks/analyst/llm"
)

// ErrReconcileRejected is returned when a reconciled value fails the
// preservation guard. The stale value is kept; callers treat this as
// non-fatal.
var ErrReconcileRejected = errors.New("reconciliation rejected: existing content dropped")

// reconcileSystemPrompt instructs the model to integrate new evidence while
// preserving every section it does not touch.
const reconcileSystemPrompt = `You maintain a user's long-term memory document.

Current document:
---
%s
---

Reason for this update: %s

Integrate the new information below into the document. Rules:
- Keep every existing section heading. Never remove a section.
- Only change content the new information actually affects.
- Keep everything else verbatim.
- Return the complete updated document.

Respond with a JSON object: {"chain_of_thought": "...", "updated_content": "..."}`

// reconcileResult is the structured shape the model must return.
type reconcileResult struct {
	ChainOfThought string `json:"chain_of_thought"`
	UpdatedContent string `json:"updated_content"`
}

// Manager layers the memory protocol over a raw Store: init-on-first-read
// defaults and serialized, guarded LLM reconciliation.
type Manager struct {
	store  Store
	gen    llm.Generator
	logger *slog.Logger

	// One mutex per (namespace, key). Two concurrent reconciliations on the
	// same key are a lost-update hazard.
	locks sync.Map // string -> *sync.Mutex
}

// NewManager creates a memory manager.
func NewManager(store Store, gen llm.Generator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, gen: gen, logger: logger}
}

func (m *Manager) lockFor(ns Namespace, key string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(storageKey(ns, key), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ReadOrInit reads a memory value, writing and returning the category's
// default on first access.
func (m *Manager) ReadOrInit(ctx context.Context, ns Namespace, key string) (string, error) {
	value, err := m.store.Get(ctx, ns, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	mu := m.lockFor(ns, key)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the lock so two initializers agree on the value.
	if value, err := m.store.Get(ctx, ns, key); err == nil {
		return value, nil
	}

	// Create-if-absent: the mutex only covers this process, another one
	// sharing the bucket may seed the key first and its value wins.
	seed := defaultContent(ns.Category)
	err = m.store.Create(ctx, ns, key, seed)
	if errors.Is(err, ErrAlreadyExists) {
		return m.store.Get(ctx, ns, key)
	}
	if err != nil {
		return "", fmt.Errorf("initialize %s/%s: %w", ns.Category, key, err)
	}
	return seed, nil
}

// LoadAll reads all four memory namespaces for a user, initializing any that
// are missing. The result is keyed by category.
func (m *Manager) LoadAll(ctx context.Context, userID string) (map[string]string, error) {
	namespaces := []Namespace{
		UserProfileNS(userID),
		CompanyProfileNS(userID),
		PreferencesNS(userID),
		EpisodicNS(userID),
	}

	out := make(map[string]string, len(namespaces))
	for _, ns := range namespaces {
		value, err := m.ReadOrInit(ctx, ns, DefaultKey(ns.Category))
		if err != nil {
			return nil, err
		}
		out[ns.Category] = value
	}
	return out, nil
}

// Reconcile reads the current value, asks the model to integrate evidence,
// and writes back the result if it passes the preservation guard. Calls for
// the same (namespace, key) are serialized. On guard rejection the stale
// value is returned along with ErrReconcileRejected.
func (m *Manager) Reconcile(ctx context.Context, ns Namespace, key, evidence, reason string) (string, error) {
	mu := m.lockFor(ns, key)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.store.Get(ctx, ns, key)
	if errors.Is(err, ErrNotFound) {
		current = defaultContent(ns.Category)
		switch err := m.store.Create(ctx, ns, key, current); {
		case errors.Is(err, ErrAlreadyExists):
			if current, err = m.store.Get(ctx, ns, key); err != nil {
				return "", err
			}
		case err != nil:
			return "", fmt.Errorf("initialize %s/%s: %w", ns.Category, key, err)
		}
	} else if err != nil {
		return "", err
	}

	var result reconcileResult
	err = m.gen.Structured(ctx, llm.Request{
		Role: "utility",
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(reconcileSystemPrompt, current, reason)},
			{Role: "user", Content: evidence},
		},
	}, &result)
	if err != nil {
		return current, fmt.Errorf("reconcile %s/%s: %w", ns.Category, key, err)
	}

	updated := strings.TrimSpace(result.UpdatedContent)
	if updated == "" {
		return current, fmt.Errorf("reconcile %s/%s: %w", ns.Category, key, ErrReconcileRejected)
	}

	// Guard: the model claims the full still-valid document, but the claim
	// is unverifiable for content. Headings are verifiable, so a dropped
	// heading rejects the write.
	if dropped := droppedHeadings(current, updated); len(dropped) > 0 {
		m.logger.Warn("reconciliation dropped existing sections, keeping stale value",
			"category", ns.Category,
			"key", key,
			"dropped", dropped)
		return current, ErrReconcileRejected
	}

	if err := m.store.Put(ctx, ns, key, updated); err != nil {
		return current, fmt.Errorf("write reconciled %s/%s: %w", ns.Category, key, err)
	}

	m.logger.Debug("memory reconciled",
		"category", ns.Category,
		"key", key,
		"reason", reason)
	return updated, nil
}

// droppedHeadings returns markdown headings present in current but absent
// from updated.
func droppedHeadings(current, updated string) []string {
	var dropped []string
	for _, line := range strings.Split(current, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.Contains(updated, trimmed) {
			dropped = append(dropped, trimmed)
		}
	}
	return dropped
}
