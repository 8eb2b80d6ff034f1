package session

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
)

// MemStore is an in-process Store used by tests and local development. It
// implements the same last-writer-wins and capacity-trim semantics as
// NATSStore without requiring a live cluster. Its ttl arguments are ignored:
// attachments and buffers never expire.
type MemStore struct {
	mu          sync.Mutex
	attachments map[string]string
	buffers     map[string]*bufferState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		attachments: make(map[string]string),
		buffers:     make(map[string]*bufferState),
	}
}

func (m *MemStore) PutAttachment(ctx context.Context, recipientID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[recipientID] = nodeID
	return nil
}

func (m *MemStore) GetAttachment(ctx context.Context, recipientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeID, ok := m.attachments[recipientID]
	if !ok {
		return "", ErrNotFound
	}
	return nodeID, nil
}

func (m *MemStore) DelAttachment(ctx context.Context, recipientID, ifNodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachments[recipientID] == ifNodeID {
		delete(m.attachments, recipientID)
	}
	return nil
}

func (m *MemStore) AppendBuffer(ctx context.Context, recipientID string, env envelope.Envelope, capacity int, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.buffers[recipientID]
	if !ok {
		state = &bufferState{}
		m.buffers[recipientID] = state
	}
	offset := state.NextOffset
	state.Entries = append(state.Entries, BufferedEnvelope{Offset: offset, Envelope: env})
	if len(state.Entries) > capacity {
		state.Entries = state.Entries[len(state.Entries)-capacity:]
	}
	state.NextOffset = offset + 1
	return offset, nil
}

func (m *MemStore) ReadBufferFrom(ctx context.Context, recipientID string, from uint64) ([]BufferedEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.buffers[recipientID]
	if !ok {
		return nil, nil
	}
	out := make([]BufferedEnvelope, 0, len(state.Entries))
	for _, e := range state.Entries {
		if e.Offset >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) CurrentOffset(ctx context.Context, recipientID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.buffers[recipientID]
	if !ok {
		return 0, ErrNotFound
	}
	return state.NextOffset, nil
}
