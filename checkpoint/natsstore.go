package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the KV bucket name for checkpoint storage.
const Bucket = "ANALYST_CHECKPOINTS"

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NATSStore persists checkpoints in a NATS JetStream KV bucket: one key per
// (execution, sequence) plus a head pointer written last, so Latest never
// observes a half-written snapshot.
type NATSStore struct {
	kv jetstream.KeyValue
}

// NewNATSStore creates the checkpoint bucket if needed and returns a store.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	kv, err := js.KeyValue(ctx, Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      Bucket,
			Description: "Analyst execution checkpoints",
		})
		if err != nil {
			return nil, fmt.Errorf("create checkpoint bucket: %w", err)
		}
	}
	return &NATSStore{kv: kv}, nil
}

func execKey(executionID string) string {
	return unsafeKeyChars.ReplaceAllString(executionID, "_")
}

func seqKey(executionID string, seq uint64) string {
	return fmt.Sprintf("%s.%012d", execKey(executionID), seq)
}

func headKey(executionID string) string {
	return execKey(executionID) + ".head"
}

// Append writes a checkpoint and then advances the head pointer.
func (s *NATSStore) Append(ctx context.Context, cp *Checkpoint) error {
	head, err := s.headSequence(ctx, cp.ExecutionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && cp.Sequence < head {
		return fmt.Errorf("%w: seq %d, head %d", ErrStaleSequence, cp.Sequence, head)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.kv.Put(ctx, seqKey(cp.ExecutionID, cp.Sequence), data); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	head = cp.Sequence
	if _, err := s.kv.Put(ctx, headKey(cp.ExecutionID), []byte(strconv.FormatUint(head, 10))); err != nil {
		return fmt.Errorf("advance checkpoint head: %w", err)
	}
	return nil
}

// Latest returns the checkpoint the head pointer names.
func (s *NATSStore) Latest(ctx context.Context, executionID string) (*Checkpoint, error) {
	head, err := s.headSequence(ctx, executionID)
	if err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, seqKey(executionID, head))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(entry.Value(), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *NATSStore) headSequence(ctx context.Context, executionID string) (uint64, error) {
	entry, err := s.kv.Get(ctx, headKey(executionID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get checkpoint head: %w", err)
	}
	head, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint head: %w", err)
	}
	return head, nil
}
