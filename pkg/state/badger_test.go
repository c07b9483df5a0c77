package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/siqueiraa/EdcSync/pkg/config"
)

func newMemoryStore(t *testing.T) *BadgerStore {
	t.Helper()
	st, err := NewBadgerStore("test_pipeline", config.StateConfig{})
	if err != nil {
		t.Fatalf("Failed to create BadgerStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBadgerStoreGetCommit(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)

	t.Run("NotFound", func(t *testing.T) {
		_, found, err := st.Get(ctx, "TOOL1", "EDC_Import")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if found {
			t.Error("expected no watermark before the first commit")
		}
	})

	t.Run("CommitAndRead", func(t *testing.T) {
		ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		if err := st.Commit(ctx, "TOOL1", "EDC_Import", ts); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		wm, found, err := st.Get(ctx, "TOOL1", "EDC_Import")
		if err != nil || !found {
			t.Fatalf("Get failed: found=%v err=%v", found, err)
		}
		if !wm.LastEndTime.Equal(ts) {
			t.Errorf("LastEndTime = %v, want %v", wm.LastEndTime, ts)
		}
		if wm.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}
	})

	t.Run("StagesAreIndependent", func(t *testing.T) {
		if _, found, _ := st.Get(ctx, "TOOL1", "ROT_Transform"); found {
			t.Error("watermark leaked across stages")
		}
	})
}

func TestBadgerStoreRegression(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)

	later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	if err := st.Commit(ctx, "TOOL1", "EDC_Import", later); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	err := st.Commit(ctx, "TOOL1", "EDC_Import", earlier)
	var regression *RegressionError
	if !errors.As(err, &regression) {
		t.Fatalf("expected RegressionError, got %v", err)
	}
	if !regression.Current.Equal(later) || !regression.Proposed.Equal(earlier) {
		t.Errorf("unexpected regression details: %+v", regression)
	}

	wm, _, _ := st.Get(ctx, "TOOL1", "EDC_Import")
	if !wm.LastEndTime.Equal(later) {
		t.Errorf("watermark changed after failed commit: %v", wm.LastEndTime)
	}

	// Re-committing the same instant is not a regression.
	if err := st.Commit(ctx, "TOOL1", "EDC_Import", later); err != nil {
		t.Errorf("equal commit rejected: %v", err)
	}
}

func TestBadgerStoreConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for _, key := range []string{"TOOL1", "TOOL2", "TOOL3"} {
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(key string, i int) {
				defer wg.Done()
				// Out-of-order commits either succeed or regress; never corrupt.
				err := st.Commit(ctx, key, "EDC_Import", base.Add(time.Duration(i)*time.Minute))
				var regression *RegressionError
				if err != nil && !errors.As(err, &regression) {
					t.Errorf("unexpected commit error: %v", err)
				}
			}(key, i)
		}
	}
	wg.Wait()

	marks, err := st.List(ctx, "EDC_Import")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(marks) != 3 {
		t.Fatalf("expected 3 watermarks, got %d", len(marks))
	}
	for _, wm := range marks {
		// The latest commit always wins because earlier ones are rejected after it.
		if !wm.LastEndTime.Equal(base.Add(20 * time.Minute)) {
			t.Errorf("%s: LastEndTime = %v, want %v", wm.Key, wm.LastEndTime, base.Add(20*time.Minute))
		}
	}
}

func TestBadgerStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	st := newMemoryStore(t)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, key := range []string{"TOOL2", "TOOL1"} {
		if err := st.Commit(ctx, key, "EDC_Import", ts); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}
	if err := st.Commit(ctx, "NIKON", "AVM_Process", ts); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	marks, err := st.List(ctx, "EDC_Import")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(marks) != 2 || marks[0].Key != "TOOL1" || marks[1].Key != "TOOL2" {
		t.Errorf("unexpected list result: %+v", marks)
	}

	stats, err := st.StatsByStage()
	if err != nil {
		t.Fatalf("StatsByStage failed: %v", err)
	}
	if stats["EDC_Import"] != 2 || stats["AVM_Process"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestBadgerStoreCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()

	cfg := config.StateConfig{}
	cfg.Badger.Path = t.TempDir()
	cfg.Badger.Checkpoint.Enabled = true // S3 disabled: local backup only

	original, err := NewBadgerStore("checkpoint_test", cfg)
	if err != nil {
		t.Fatalf("Failed to create BadgerStore: %v", err)
	}
	defer original.Close()

	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := original.Commit(ctx, "TOOL1", "EDC_Import", ts); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := original.CreateCheckpointIfEnabled(ctx); err != nil {
		t.Fatalf("CreateCheckpointIfEnabled failed: %v", err)
	}

	cpFile := filepath.Join(cfg.Badger.Path, "checkpoint_test"+checkpointSuffix)
	f, err := os.Open(cpFile)
	if err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}
	defer f.Close()

	restored := newMemoryStore(t)
	if err := restored.restoreFrom(f); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	wm, found, err := restored.Get(ctx, "TOOL1", "EDC_Import")
	if err != nil || !found {
		t.Fatalf("restored store lost the watermark: found=%v err=%v", found, err)
	}
	if !wm.LastEndTime.Equal(ts) {
		t.Errorf("restored LastEndTime = %v, want %v", wm.LastEndTime, ts)
	}
}

func TestKeyLocksSerializeSameKey(t *testing.T) {
	var locks KeyLocks
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("TOOL1", "EDC_Import")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected exclusive access, saw %d concurrent holders", maxSeen)
	}
}
