// Package kafka publishes sync cycle events and report rows.
package kafka

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/riferrei/srclient"
	"github.com/segmentio/kafka-go"

	"github.com/siqueiraa/EdcSync/pkg/avro"
	"github.com/siqueiraa/EdcSync/pkg/config"
	"github.com/siqueiraa/EdcSync/pkg/model"
)

const (
	batchTimeoutMillis = 100 // Batch timeout in milliseconds
	writeTimeout       = 10 * time.Second
	intKeyCapacity     = 20 // Buffer capacity for integer keys
	decimalBase        = 10 // Base for decimal number conversion
)

var (
	// jsonFast is our high-performance JSON API.
	jsonFast = jsoniter.ConfigFastest
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer wraps a kafka.Writer and optional Avro support.
type Producer struct {
	writer      messageWriter
	eventsTopic string
	registry    *avro.Registry // nil: JSON
}

// NewProducer creates a producer from the kafka section of the config.
func NewProducer(cfg config.KafkaConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeoutMillis * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}

	var reg *avro.Registry
	if cfg.UseAvro {
		reg = avro.NewRegistry(srclient.CreateSchemaRegistryClient(cfg.SchemaRegistry))
	}
	return newProducer(w, cfg.EventsTopic, reg), nil
}

func newProducer(w messageWriter, eventsTopic string, reg *avro.Registry) *Producer {
	return &Producer{writer: w, eventsTopic: eventsTopic, registry: reg}
}

// PublishCycle sends one cycle event keyed by the event's key. It is a
// no-op when no events topic is configured.
func (p *Producer) PublishCycle(ctx context.Context, ev model.CycleEvent) error {
	if p.eventsTopic == "" {
		return nil
	}

	var (
		payload []byte
		err     error
	)
	if p.registry != nil {
		subject := p.eventsTopic + "-value"
		if _, err = p.registry.Register(subject, avro.CycleEventSchema); err == nil {
			payload, err = p.registry.Encode(subject, ev)
		}
	} else {
		payload, err = jsonFast.Marshal(ev)
	}
	if err != nil {
		return fmt.Errorf("encode cycle event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{Topic: p.eventsTopic, Key: []byte(ev.Key), Value: payload, Time: ev.At}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[Kafka] publish failed topic=%s: %v", p.eventsTopic, err)
		return err
	}
	return nil
}

// PublishBatch writes records as JSON messages keyed by keyField. Records
// that fail to encode are logged and skipped.
func (p *Producer) PublishBatch(ctx context.Context, topic string, records []map[string]any, keyField string) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	now := time.Now()

	for _, rec := range records {
		payload, err := jsonFast.Marshal(rec)
		if err != nil {
			log.Printf("[Kafka] encode failed: %v", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   messageKey(rec[keyField]),
			Value: payload,
			Time:  now,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, msgs...)
}

func messageKey(raw any) []byte {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	case []byte:
		return v
	case int:
		return strconv.AppendInt(make([]byte, 0, intKeyCapacity), int64(v), decimalBase)
	case int64:
		return strconv.AppendInt(make([]byte, 0, intKeyCapacity), v, decimalBase)
	default:
		return fmt.Append(nil, v)
	}
}

// Close shuts down the writer cleanly.
func (p *Producer) Close() error {
	return p.writer.Close()
}
