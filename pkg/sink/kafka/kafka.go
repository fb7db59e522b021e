// Package kafka implements a Kafka destination that publishes each
// record as a JSON envelope. Messages are keyed by the row's canonical
// primary key, so the hash partitioner keeps every key's changes on
// one partition and their relative order survives the broker.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	ferrors "github.com/dataferry/ferry/pkg/errors"
	"github.com/dataferry/ferry/pkg/jsonx"
	"github.com/dataferry/ferry/pkg/record"
	"github.com/dataferry/ferry/pkg/sink"
)

// envelope is the published message shape.
type envelope struct {
	Kind     string                 `json:"kind"`
	Schema   string                 `json:"schema,omitempty"`
	Table    string                 `json:"table,omitempty"`
	Op       string                 `json:"op,omitempty"`
	Before   map[string]interface{} `json:"before,omitempty"`
	After    map[string]interface{} `json:"after,omitempty"`
	Ddl      string                 `json:"ddl,omitempty"`
	Position string                 `json:"position,omitempty"`
	CommitTS *time.Time             `json:"commit_ts,omitempty"`
}

// Sink publishes records to one Kafka topic.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// New connects a synchronous producer. Idempotent production and
// acks=all keep the at-least-once contract honest across broker
// failovers.
func New(brokers []string, topic string, logger *zap.Logger) (*Sink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.ErrorTypeConfig, "connect kafka producer")
	}
	return NewFromProducer(producer, topic, logger), nil
}

// NewFromProducer wraps an existing producer; the sink takes
// ownership.
func NewFromProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Sink {
	return &Sink{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("component", "kafka_sink"), zap.String("topic", topic)),
	}
}

// Apply implements sink.Sinker. The whole slice is produced in one
// SendMessages call; any failure is transient, since re-publishing
// already-delivered messages only duplicates them for downstream
// consumers that must already tolerate at-least-once.
func (s *Sink) Apply(ctx context.Context, records []*record.Record) ([]sink.Result, error) {
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	produced := make([]*record.Record, 0, len(records))
	results := make([]sink.Result, 0, len(records))

	for _, r := range records {
		if r.Kind == record.KindBarrier {
			results = append(results, sink.Result{Record: r, Status: sink.StatusSkipped})
			continue
		}
		msg, err := s.message(r)
		if err != nil {
			results = append(results, sink.Result{
				Record: r,
				Status: sink.StatusFailed,
				Err:    ferrors.Wrap(err, ferrors.ErrorTypeData, "encode kafka message"),
			})
			continue
		}
		msgs = append(msgs, msg)
		produced = append(produced, r)
	}

	if len(msgs) > 0 {
		if err := s.producer.SendMessages(msgs); err != nil {
			return nil, ferrors.Wrap(err, ferrors.ErrorTypeTransient, "produce kafka messages")
		}
		for _, r := range produced {
			results = append(results, sink.Result{Record: r, Status: sink.StatusApplied})
		}
	}
	return results, nil
}

func (s *Sink) message(r *record.Record) (*sarama.ProducerMessage, error) {
	env := envelope{Kind: string(r.Kind)}
	var key string

	switch r.Kind {
	case record.KindRowData:
		env.Schema = r.Row.Schema
		env.Table = r.Row.Table
		env.Op = string(r.Row.Op)
		env.Before = r.Row.Before
		env.After = r.Row.After
		if !r.Row.CommitTS.IsZero() {
			ts := r.Row.CommitTS
			env.CommitTS = &ts
		}
		key = r.PrimaryKey()
	case record.KindDdl:
		env.Ddl = r.Ddl.Statement
		key = fmt.Sprintf("ddl/%d", r.ShardKey())
	}
	if r.Position != nil {
		env.Position = r.Position.Encode()
	}

	value, err := jsonx.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}, nil
}

// Flush implements sink.Sinker; SendMessages already waits for acks.
func (s *Sink) Flush(ctx context.Context) error { return nil }

// Close implements sink.Sinker.
func (s *Sink) Close() error { return s.producer.Close() }
