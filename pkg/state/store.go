// Package state persists pipeline watermarks: the last successfully
// synchronized timestamp per (key, stage).
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64 // lock table size for per-key commit serialization

// Watermark is the last successfully processed end time of one key and stage.
type Watermark struct {
	Key         string    `json:"key"`
	Stage       string    `json:"stage"`
	LastEndTime time.Time `json:"last_end_time"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store reads and advances watermarks. Get reports absence through found
// rather than an error. Commit must reject any move backwards with a
// *RegressionError and leave the stored value untouched.
type Store interface {
	Get(ctx context.Context, key, stage string) (wm Watermark, found bool, err error)
	Commit(ctx context.Context, key, stage string, end time.Time) error
	List(ctx context.Context, stage string) ([]Watermark, error)
}

// RegressionError means a commit would move a watermark backwards. It points
// at a bug or clock skew and needs an operator.
type RegressionError struct {
	Key      string
	Stage    string
	Current  time.Time
	Proposed time.Time
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark regression for %s/%s: stored %s, proposed %s",
		e.Key, e.Stage, e.Current.Format(time.RFC3339Nano), e.Proposed.Format(time.RFC3339Nano))
}

// CheckAdvance returns a *RegressionError when proposed is before current.
func CheckAdvance(key, stage string, current, proposed time.Time) error {
	if proposed.Before(current) {
		return &RegressionError{Key: key, Stage: stage, Current: current, Proposed: proposed}
	}
	return nil
}

// KeyLocks serializes work on the same (key, stage) pair while letting
// different pairs proceed in parallel. Pairs are striped over a fixed table.
type KeyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires the stripe for key/stage and returns its unlock function.
func (l *KeyLocks) Lock(key, stage string) func() {
	h := xxhash.New()
	_, _ = h.WriteString(stage)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(key)
	mu := &l.stripes[h.Sum64()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
