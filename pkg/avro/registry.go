// Package avro encodes values in the Confluent wire format against schemas
// kept in a schema registry.
package avro

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/hamba/avro/v2"
	"github.com/riferrei/srclient"
	"golang.org/x/sync/singleflight"
)

// Confluent wire format: magic byte 0, then the schema ID as uint32.
const (
	magicByte  = 0
	headerSize = 5
)

type schemaEntry struct {
	id     int
	schema avro.Schema
}

// Registry caches schemas fetched from a schema registry. Concurrent
// lookups of the same subject or ID share one request.
type Registry struct {
	client    srclient.ISchemaRegistryClient
	bySubject sync.Map // subject -> schemaEntry
	byID      sync.Map // id -> avro.Schema
	flight    singleflight.Group
}

// NewRegistry wraps a registry client.
func NewRegistry(client srclient.ISchemaRegistryClient) *Registry {
	return &Registry{client: client}
}

// Register makes sure subject has schemaJSON. An existing subject whose
// schema matches after normalization is reused; one that differs is kept
// as is and logged, since registering a new version may break readers.
func (r *Registry) Register(subject, schemaJSON string) (int, error) {
	if v, ok := r.bySubject.Load(subject); ok {
		return v.(schemaEntry).id, nil
	}
	v, err, _ := r.flight.Do("register:"+subject, func() (any, error) {
		meta, err := r.client.GetLatestSchema(subject)
		if err != nil {
			if meta, err = r.client.CreateSchema(subject, schemaJSON, srclient.Avro); err != nil {
				return nil, fmt.Errorf("register schema %s: %w", subject, err)
			}
			log.Printf("[Avro] Registered schema %s with id %d", subject, meta.ID())
		} else if !sameSchema(meta.Schema(), schemaJSON) {
			log.Printf("[Avro] Schema for %s differs from the local one, using registry version %d", subject, meta.Version())
		}
		return r.store(subject, meta)
	})
	if err != nil {
		return 0, err
	}
	return v.(schemaEntry).id, nil
}

func sameSchema(a, b string) bool {
	na, errA := normalizeSchemaJSON(a)
	nb, errB := normalizeSchemaJSON(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

func (r *Registry) store(subject string, meta *srclient.Schema) (schemaEntry, error) {
	schema, err := avro.Parse(meta.Schema())
	if err != nil {
		return schemaEntry{}, fmt.Errorf("parse schema %s: %w", subject, err)
	}
	se := schemaEntry{id: meta.ID(), schema: schema}
	r.bySubject.Store(subject, se)
	r.byID.Store(se.id, schema)
	return se, nil
}

func (r *Registry) forSubject(subject string) (schemaEntry, error) {
	if v, ok := r.bySubject.Load(subject); ok {
		return v.(schemaEntry), nil
	}
	v, err, _ := r.flight.Do(subject, func() (any, error) {
		meta, err := r.client.GetLatestSchema(subject)
		if err != nil {
			return nil, fmt.Errorf("fetch schema %s: %w", subject, err)
		}
		return r.store(subject, meta)
	})
	if err != nil {
		return schemaEntry{}, err
	}
	return v.(schemaEntry), nil
}

func (r *Registry) forID(id int) (avro.Schema, error) {
	if v, ok := r.byID.Load(id); ok {
		return v.(avro.Schema), nil
	}
	v, err, _ := r.flight.Do(fmt.Sprintf("id:%d", id), func() (any, error) {
		meta, err := r.client.GetSchema(id)
		if err != nil {
			return nil, fmt.Errorf("fetch schema ID %d: %w", id, err)
		}
		schema, err := avro.Parse(meta.Schema())
		if err != nil {
			return nil, fmt.Errorf("parse schema ID %d: %w", id, err)
		}
		r.byID.Store(id, schema)
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(avro.Schema), nil
}

// Encode marshals v with the latest schema of subject and prepends the wire
// header.
func (r *Registry) Encode(subject string, v any) ([]byte, error) {
	se, err := r.forSubject(subject)
	if err != nil {
		return nil, err
	}
	data, err := avro.Marshal(se.schema, v)
	if err != nil {
		return nil, fmt.Errorf("marshal for %s: %w", subject, err)
	}
	if se.id < 0 || se.id > 0xFFFFFFFF {
		return nil, fmt.Errorf("schema ID %d out of uint32 range", se.id)
	}
	out := make([]byte, headerSize+len(data))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:headerSize], uint32(se.id))
	copy(out[headerSize:], data)
	return out, nil
}

// Decode unmarshals a wire-format payload into out using the schema named
// by its header.
func (r *Registry) Decode(payload []byte, out any) error {
	if len(payload) < headerSize || payload[0] != magicByte {
		return fmt.Errorf("invalid wire format: missing magic byte or too short")
	}
	id := int(binary.BigEndian.Uint32(payload[1:headerSize]))
	schema, err := r.forID(id)
	if err != nil {
		return err
	}
	if err := avro.Unmarshal(schema, payload[headerSize:], out); err != nil {
		return fmt.Errorf("unmarshal for ID %d: %w", id, err)
	}
	return nil
}
