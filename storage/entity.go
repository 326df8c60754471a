// Package storage persists workflow execution state behind the
// WorkflowStore port, so the orchestrator's state machine survives process
// restarts. Its NATS KV implementation generalizes the original entity
// store's bucket-per-kind layout to a single workflow-state bucket keyed
// by workflow id.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pipeforge/conductor/workflow"
)

// WorkflowStatus is a persisted workflow's lifecycle state, mirroring the
// orchestrator's state machine states.
type WorkflowStatus string

const (
	WorkflowInitiated WorkflowStatus = "initiated"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowError is the last recorded error on a failed workflow.
type WorkflowError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// WorkflowRecord is the persisted shape of one workflow execution.
type WorkflowRecord struct {
	WorkflowID string           `json:"workflow_id"`
	Status     WorkflowStatus   `json:"status"`
	Context    workflow.Context `json:"context"`
	LastError  *WorkflowError   `json:"last_error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// WorkflowStore is the persistence port the workflow service depends on.
// Implementations must fail Create if workflowID already exists, and
// Update if it does not.
type WorkflowStore interface {
	Create(ctx context.Context, rec WorkflowRecord) error
	Get(ctx context.Context, workflowID string) (WorkflowRecord, error)
	Update(ctx context.Context, rec WorkflowRecord) error
	Delete(ctx context.Context, workflowID string) error
	List(ctx context.Context) ([]WorkflowRecord, error)
}

// BucketWorkflows names the NATS KV bucket the NATS-backed store uses.
const BucketWorkflows = "CONDUCTOR_WORKFLOWS"

// NATSStore implements WorkflowStore over a NATS JetStream key-value
// bucket, one entry per workflow id.
type NATSStore struct {
	kv jetstream.KeyValue
}

// NewNATSStore creates or opens the workflow-state bucket.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("storage: open workflow bucket: %w", err)
	}
	return &NATSStore{kv: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Conductor %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// Create stores rec under its workflow id, failing if one already exists.
func (s *NATSStore) Create(ctx context.Context, rec WorkflowRecord) error {
	rec.CreatedAt = time.Now().UTC()
	rec.UpdatedAt = rec.CreatedAt

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow record: %w", err)
	}
	if _, err := s.kv.Create(ctx, rec.WorkflowID, data); err != nil {
		return fmt.Errorf("storage: create workflow record: %w", err)
	}
	return nil
}

// Get retrieves the record for workflowID, or ErrNotFound.
func (s *NATSStore) Get(ctx context.Context, workflowID string) (WorkflowRecord, error) {
	entry, err := s.kv.Get(ctx, workflowID)
	if err != nil {
		if isNotFound(err) {
			return WorkflowRecord{}, ErrNotFound
		}
		return WorkflowRecord{}, fmt.Errorf("storage: get workflow record: %w", err)
	}

	var rec WorkflowRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return WorkflowRecord{}, fmt.Errorf("storage: unmarshal workflow record: %w", err)
	}
	return rec, nil
}

// Update overwrites the record for rec.WorkflowID, stamping UpdatedAt.
func (s *NATSStore) Update(ctx context.Context, rec WorkflowRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow record: %w", err)
	}
	if _, err := s.kv.Get(ctx, rec.WorkflowID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: update workflow record: %w", err)
	}
	if _, err := s.kv.Put(ctx, rec.WorkflowID, data); err != nil {
		return fmt.Errorf("storage: update workflow record: %w", err)
	}
	return nil
}

// Delete removes the record for workflowID.
func (s *NATSStore) Delete(ctx context.Context, workflowID string) error {
	if err := s.kv.Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("storage: delete workflow record: %w", err)
	}
	return nil
}

// List returns every persisted workflow record, skipping entries that
// fail to unmarshal rather than failing the whole listing.
func (s *NATSStore) List(ctx context.Context) ([]WorkflowRecord, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list workflow keys: %w", err)
	}

	records := make([]WorkflowRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec WorkflowRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
