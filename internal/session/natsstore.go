package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/adred-codev/ringfabric/internal/envelope"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSStore implements Store on top of two NATS JetStream Key-Value buckets:
// one for attachments (recipient -> node, with bucket TTL doing server-side
// expiry) and one for replay buffers (recipient -> JSON-encoded ring of
// envelopes + cursor), modeled on the NATS client wiring in
// go-server/pkg/nats/client.go (and its go-server-2, go-server-3 variants).
type NATSStore struct {
	attachments nats.KeyValue
	buffers     nats.KeyValue
	logger      zerolog.Logger
}

// NATSStoreConfig configures bucket creation.
type NATSStoreConfig struct {
	Conn          *nats.Conn
	AttachmentTTL time.Duration
	BufferTTL     time.Duration
	Logger        zerolog.Logger
}

// NewNATSStore creates (or binds to existing) JetStream KV buckets.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	js, err := cfg.Conn.JetStream()
	if err != nil {
		return nil, err
	}

	attachments, err := js.KeyValue("rf_attachments")
	if errors.Is(err, nats.ErrBucketNotFound) {
		attachments, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: "rf_attachments",
			TTL:    cfg.AttachmentTTL,
		})
	}
	if err != nil {
		return nil, err
	}

	buffers, err := js.KeyValue("rf_buffers")
	if errors.Is(err, nats.ErrBucketNotFound) {
		buffers, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: "rf_buffers",
			TTL:    cfg.BufferTTL,
		})
	}
	if err != nil {
		return nil, err
	}

	return &NATSStore{attachments: attachments, buffers: buffers, logger: cfg.Logger}, nil
}

func (s *NATSStore) PutAttachment(ctx context.Context, recipientID, nodeID string, ttl time.Duration) error {
	_, err := s.attachments.Put(recipientID, []byte(nodeID))
	return err
}

func (s *NATSStore) GetAttachment(ctx context.Context, recipientID string) (string, error) {
	entry, err := s.attachments.Get(recipientID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

func (s *NATSStore) DelAttachment(ctx context.Context, recipientID, ifNodeID string) error {
	entry, err := s.attachments.Get(recipientID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(entry.Value()) != ifNodeID {
		// Attachment already moved on to a different node; this detach is
		// stale and must not clobber the newer attachment.
		return nil
	}
	if err := s.attachments.Delete(recipientID, nats.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			// Revision moved between Get and Delete: superseded, fine to ignore.
			return nil
		}
		return err
	}
	return nil
}

// bufferState is the JSON value stored per recipient key in the buffers
// bucket: a bounded ring plus the cursor for the next offset.
type bufferState struct {
	NextOffset uint64                    `json:"next_offset"`
	Entries    []BufferedEnvelope        `json:"entries"`
}

func (s *NATSStore) AppendBuffer(ctx context.Context, recipientID string, env envelope.Envelope, capacity int, ttl time.Duration) (uint64, error) {
	for attempt := 0; attempt < 8; attempt++ {
		entry, err := s.buffers.Get(recipientID)
		var state bufferState
		var revision uint64
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			state = bufferState{}
		case err != nil:
			return 0, err
		default:
			revision = entry.Revision()
			if err := json.Unmarshal(entry.Value(), &state); err != nil {
				return 0, err
			}
		}

		offset := state.NextOffset
		state.Entries = append(state.Entries, BufferedEnvelope{Offset: offset, Envelope: env})
		if len(state.Entries) > capacity {
			state.Entries = state.Entries[len(state.Entries)-capacity:]
		}
		state.NextOffset = offset + 1

		payload, err := json.Marshal(state)
		if err != nil {
			return 0, err
		}

		if revision == 0 {
			if _, err := s.buffers.Create(recipientID, payload); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // lost the race with a concurrent appender; retry
				}
				return 0, err
			}
		} else {
			if _, err := s.buffers.Update(recipientID, payload, revision); err != nil {
				continue // revision moved; retry with fresh state
			}
		}
		return offset, nil
	}
	return 0, errors.New("session: too much contention appending replay buffer")
}

func (s *NATSStore) ReadBufferFrom(ctx context.Context, recipientID string, from uint64) ([]BufferedEnvelope, error) {
	entry, err := s.buffers.Get(recipientID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state bufferState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, err
	}
	out := make([]BufferedEnvelope, 0, len(state.Entries))
	for _, e := range state.Entries {
		if e.Offset >= from {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *NATSStore) CurrentOffset(ctx context.Context, recipientID string) (uint64, error) {
	entry, err := s.buffers.Get(recipientID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var state bufferState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return 0, err
	}
	return state.NextOffset, nil
}
