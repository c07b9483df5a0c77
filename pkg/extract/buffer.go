package extract

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/siqueiraa/EdcSync/pkg/model"
)

// Buffer collects the records of one extraction and drops exact duplicates.
type Buffer struct {
	mu         sync.Mutex
	Name       string
	records    []model.Record
	seen       map[uint64]struct{}
	duplicates int
}

func NewBuffer(name string) *Buffer {
	return &Buffer{
		Name:    name,
		records: make([]model.Record, 0),
		seen:    make(map[uint64]struct{}),
	}
}

// Add appends rec unless an identical record is already buffered. It
// reports whether the record was kept.
func (b *Buffer) Add(rec model.Record) bool {
	fp := Fingerprint(rec)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.seen[fp]; exists {
		b.duplicates++
		return false
	}

	b.records = append(b.records, rec)
	b.seen[fp] = struct{}{}
	return true
}

// Flush hands over the buffered records and resets duplicate detection.
func (b *Buffer) Flush() []model.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}

	flushed := b.records
	b.records = make([]model.Record, 0)
	b.seen = make(map[uint64]struct{})
	return flushed
}

// Duplicates counts the records Add dropped.
func (b *Buffer) Duplicates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duplicates
}

// Fingerprint hashes the key and every column value in column order.
func Fingerprint(rec model.Record) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(rec.Key)
	for _, c := range rec.Columns {
		_, _ = h.WriteString("\x1f")
		_, _ = h.WriteString(c)
		_, _ = h.WriteString("=")
		switch v := rec.Data[c].(type) {
		case nil:
			_, _ = h.WriteString("\x00")
		case []byte:
			_, _ = h.Write(v)
		case time.Time:
			_, _ = h.WriteString(v.UTC().Format(time.RFC3339Nano))
		default:
			_, _ = fmt.Fprintf(h, "%T:%v", v, v)
		}
	}
	return h.Sum64()
}
