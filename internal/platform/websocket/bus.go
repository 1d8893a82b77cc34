package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/cache"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
)

// Event names pushed to clients.
const (
	EventNewMessage        = "new_message"
	EventQueueUpdated      = "reception:queue-updated"
	EventNewTestRequest    = "new_test_request"
	EventTestStatusUpdated = "test_status_updated"
)

// Event is the frame written to clients. Seq increases by one per event within
// a laboratory; a gap tells the client to re-fetch.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is what domain services depend on to announce changes.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
}

// Sequencer hands out per-tenant event sequence numbers.
type Sequencer interface {
	Next(ctx context.Context, tenant string) (int64, error)
	Current(ctx context.Context, tenant string) (int64, error)
}

type MemorySequencer struct {
	mu  sync.Mutex
	seq map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{seq: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[tenant]++
	return s.seq[tenant], nil
}

func (s *MemorySequencer) Current(_ context.Context, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[tenant], nil
}

// RedisSequencer shares the counter between server instances.
type RedisSequencer struct {
	client cache.RedisClient
}

func NewRedisSequencer(client cache.RedisClient) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, tenant string) (int64, error) {
	n, err := s.client.Incr(ctx, cache.Key("events", tenant, "seq")).Result()
	if err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return n, nil
}

func (s *RedisSequencer) Current(ctx context.Context, tenant string) (int64, error) {
	raw, err := s.client.Get(ctx, cache.Key("events", tenant, "seq")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current event seq: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// Relay forwards encoded events to other server instances.
type Relay interface {
	Forward(data []byte) error
}

// relayed is the frame exchanged between instances.
type relayed struct {
	Origin string `json:"origin"`
	Tenant string `json:"tenant"`
	Event  Event  `json:"event"`
}

// Bus stamps events with a sequence number, delivers them to the local hub
// and forwards them to peers through the relay when one is configured.
type Bus struct {
	hub    *Hub
	seq    Sequencer
	origin string
	logger zerolog.Logger

	mu    sync.RWMutex
	relay Relay
}

func NewBus(hub *Hub, seq Sequencer, logger zerolog.Logger) *Bus {
	return &Bus{hub: hub, seq: seq, origin: uuid.NewString(), logger: logger}
}

func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Publish sends an event to topic within the request's tenant.
func (b *Bus) Publish(ctx context.Context, topic, eventType string, data any) error {
	tenant := db.TenantFromContext(ctx)

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	seq, err := b.seq.Next(ctx, tenant)
	if err != nil {
		return err
	}

	ev := Event{
		Seq:       seq,
		Type:      eventType,
		Topic:     topic,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event frame: %w", err)
	}
	b.hub.Deliver(tenant, topic, frame)
	metrics.RecordEventPublished(eventType)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay == nil {
		return nil
	}
	out, err := json.Marshal(relayed{Origin: b.origin, Tenant: tenant, Event: ev})
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}
	if err := relay.Forward(out); err != nil {
		return fmt.Errorf("relay %s event: %w", eventType, err)
	}
	return nil
}

// Receive delivers an event published by another instance. Frames this
// instance sent itself are ignored.
func (b *Bus) Receive(data []byte) {
	var r relayed
	if err := json.Unmarshal(data, &r); err != nil {
		b.logger.Warn().Err(err).Msg("malformed relayed event")
		return
	}
	if r.Origin == b.origin {
		return
	}
	frame, err := json.Marshal(r.Event)
	if err != nil {
		return
	}
	b.hub.Deliver(r.Tenant, r.Event.Topic, frame)
}

// LatestSeq returns the last sequence number handed out for tenant.
func (b *Bus) LatestSeq(ctx context.Context, tenant string) (int64, error) {
	return b.seq.Current(ctx, tenant)
}

// Notify publishes and logs failures. Event delivery never fails the write
// that triggered it.
func Notify(ctx context.Context, p Publisher, logger zerolog.Logger, topic, eventType string, data any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, eventType, data); err != nil {
		logger.Warn().Err(err).Str("event", eventType).Str("topic", topic).Msg("publish event")
	}
}
