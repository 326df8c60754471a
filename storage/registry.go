package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pipeforge/conductor/dispatcher"
)

// BucketAgentRegistry names the NATS KV bucket backing the shared
// agents:registry namespace.
const BucketAgentRegistry = "CONDUCTOR_AGENTS"

// AgentRegistry persists dispatcher.AgentRecord entries so the dispatcher
// can answer ListAgents and an agentrt.Agent can Register/Deregister
// itself, over a NATS JetStream key-value bucket keyed by agent id.
type AgentRegistry struct {
	kv jetstream.KeyValue
}

// NewAgentRegistry creates or opens the agent-registry bucket.
func NewAgentRegistry(ctx context.Context, js jetstream.JetStream) (*AgentRegistry, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketAgentRegistry)
	if err != nil {
		return nil, fmt.Errorf("storage: open agent registry bucket: %w", err)
	}
	return &AgentRegistry{kv: kv}, nil
}

// Register upserts rec under its agent id.
func (r *AgentRegistry) Register(ctx context.Context, rec dispatcher.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal agent record: %w", err)
	}
	if _, err := r.kv.Put(ctx, rec.AgentID, data); err != nil {
		return fmt.Errorf("storage: register agent: %w", err)
	}
	return nil
}

// Deregister removes the entry for agentID. Deregistering an unknown id
// is not an error, matching the spec's "no exception" rule for registry
// bookkeeping.
func (r *AgentRegistry) Deregister(ctx context.Context, agentID string) error {
	if err := r.kv.Delete(ctx, agentID); err != nil && !isNotFound(err) {
		return fmt.Errorf("storage: deregister agent: %w", err)
	}
	return nil
}

// ListAgents implements dispatcher.Registry.
func (r *AgentRegistry) ListAgents(ctx context.Context) ([]dispatcher.AgentRecord, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list agent keys: %w", err)
	}

	records := make([]dispatcher.AgentRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec dispatcher.AgentRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// MemoryAgentRegistry is an in-process AgentRegistry used by tests and
// the single-binary CLI mode where no NATS KV bucket is available.
type MemoryAgentRegistry struct {
	mu      sync.Mutex
	records map[string]dispatcher.AgentRecord
}

// NewMemoryAgentRegistry creates an empty in-memory agent registry.
func NewMemoryAgentRegistry() *MemoryAgentRegistry {
	return &MemoryAgentRegistry{records: make(map[string]dispatcher.AgentRecord)}
}

func (r *MemoryAgentRegistry) Register(ctx context.Context, rec dispatcher.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.AgentID] = rec
	return nil
}

func (r *MemoryAgentRegistry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, agentID)
	return nil
}

func (r *MemoryAgentRegistry) ListAgents(ctx context.Context) ([]dispatcher.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]dispatcher.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	return records, nil
}
