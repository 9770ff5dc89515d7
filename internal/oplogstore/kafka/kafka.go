// Package kafka is the durable substrate for the operation log (C4):
// a franz-go producer/consumer pair that makes `oplog.PatchEntry`
// durable across process restarts and shares it across every server
// instance in the fleet, the way the teacher's internal/shared/kafka
// makes token events durable and fleet-wide.
//
// Append publishes one record per patch, keyed and partitioned by the
// entity key so all patches for one entity land on the same partition
// and are therefore delivered to consumers in append order. Every
// server instance (including the one that produced the record) also
// runs a consumer group member that replays the topic into a local
// oplog.MemoryOpLog, so GetSince/GetOldestVersion/etc. answer from an
// in-process materialized view rather than round-tripping to Kafka on
// every reconnect.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kestrel-rt/syncore/internal/jsonpatch"
	"github.com/kestrel-rt/syncore/internal/logging"
	"github.com/kestrel-rt/syncore/internal/oplog"
	"github.com/kestrel-rt/syncore/internal/ratelimit"
)

// wireRecord is the JSON encoding of one oplog.PatchEntry as it
// travels through Kafka.
type wireRecord struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    int64           `json:"version"`
	Timestamp  int64           `json:"timestamp"`
	Patch      json.RawMessage `json:"patch"`
	PatchSize  int64           `json:"patchSize"`
}

// Config configures the durable op-log adapter.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Partitions    int32
}

// Store is an oplog.OpLog backed by Kafka: Append produces onto the
// configured topic, and a background consumer replays the topic (from
// this consumer group's committed offset, or earliest on first join)
// into an embedded oplog.MemoryOpLog that answers every read.
type Store struct {
	cfg    Config
	logger zerolog.Logger
	guard  *ratelimit.Guard

	producer *kgo.Client
	consumer *kgo.Client

	local *oplog.MemoryOpLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Store and starts its background consumer. The
// caller owns shutdown via Close.
func New(cfg Config, opCfg oplog.Config, logger zerolog.Logger, guard *ratelimit.Guard) (*Store, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka: consumer group is required")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(1024*1024),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: creating producer client: %w", err)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("oplog kafka partitions assigned")
		}),
	)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka: creating consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:      cfg,
		logger:   logger,
		guard:    guard,
		producer: producer,
		consumer: consumer,
		local:    oplog.NewMemoryOpLog(opCfg),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.consumeLoop()

	return s, nil
}

// partitionKey returns the producer record key for an entity: patches
// for the same entity always land on the same partition, which is
// what preserves per-entity version order through Kafka.
func partitionKey(key oplog.EntityKey) []byte {
	return []byte(key.Type + ":" + key.ID)
}

// Append publishes entry to the durable topic. The local materialized
// view is updated only when the record is replayed back by the
// consumer loop (including this process's own produce), so Append
// does not itself mutate local state.
func (s *Store) Append(entry oplog.PatchEntry) {
	patchJSON, err := json.Marshal(entry.Patch)
	if err != nil {
		s.logger.Error().Err(err).Str("entity", entry.EntityKey.String()).Msg("failed to marshal patch for kafka oplog")
		return
	}

	rec := wireRecord{
		EntityType: entry.EntityKey.Type,
		EntityID:   entry.EntityKey.ID,
		Version:    entry.Version,
		Timestamp:  entry.Timestamp,
		Patch:      patchJSON,
		PatchSize:  entry.PatchSize,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal oplog record for kafka")
		return
	}

	record := &kgo.Record{
		Key:   partitionKey(entry.EntityKey),
		Value: value,
		Topic: s.cfg.Topic,
	}
	s.producer.Produce(s.ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Error().Err(err).Str("entity", entry.EntityKey.String()).Msg("kafka produce failed for oplog entry")
		}
	})
}

// GetSince, GetOldestVersion, GetNewestVersion, HasVersion, and
// Cleanup all delegate to the local materialized view; Kafka is the
// durability and fan-out substrate, not the read path.
func (s *Store) GetSince(key oplog.EntityKey, fromVersion int64) ([]oplog.PatchEntry, bool) {
	return s.local.GetSince(key, fromVersion)
}

func (s *Store) GetOldestVersion(key oplog.EntityKey) (int64, bool) {
	return s.local.GetOldestVersion(key)
}

func (s *Store) GetNewestVersion(key oplog.EntityKey) (int64, bool) {
	return s.local.GetNewestVersion(key)
}

func (s *Store) HasVersion(key oplog.EntityKey, version int64) bool {
	return s.local.HasVersion(key, version)
}

func (s *Store) Cleanup() {
	s.local.Cleanup()
}

// consumeLoop replays the topic into the local materialized view,
// pausing fetches when the resource guard reports CPU pressure past
// its pause threshold rather than digging the process deeper into
// overload, mirroring the teacher's ShouldPauseKafka brake.
func (s *Store) consumeLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "oplogstore/kafka.consumeLoop", map[string]any{"topic": s.cfg.Topic})

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.guard != nil && s.guard.ShouldPauseConsumption() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		fetches := s.consumer.PollFetches(s.ctx)
		if s.ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				s.logger.Error().Err(e.Err).Str("topic", e.Topic).Int32("partition", e.Partition).Msg("oplog kafka fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var rec wireRecord
			if err := json.Unmarshal(record.Value, &rec); err != nil {
				s.logger.Error().Err(err).Msg("failed to decode oplog kafka record")
				return
			}
			var patch []jsonpatch.Operation
			if err := json.Unmarshal(rec.Patch, &patch); err != nil {
				s.logger.Error().Err(err).Msg("failed to decode oplog kafka patch")
				return
			}
			entry := oplog.PatchEntry{
				EntityKey: oplog.EntityKey{Type: rec.EntityType, ID: rec.EntityID},
				Version:   rec.Version,
				Timestamp: rec.Timestamp,
				Patch:     patch,
				PatchSize: rec.PatchSize,
			}
			s.local.Append(entry)
		})
	}
}

// Close stops the consumer loop and closes both Kafka clients.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.producer.Close()
	s.consumer.Close()
	return nil
}

// shardHash is kept for operators who want to size cfg.Partitions
// against expected entity cardinality: it returns an FNV-1a hash of the
// record key. franz-go's default partitioner hashes the key with its
// own algorithm, so this value does not predict a record's partition.
func shardHash(key oplog.EntityKey) uint32 {
	h := fnv.New32a()
	h.Write(partitionKey(key))
	return h.Sum32()
}
