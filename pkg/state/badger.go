package state

// -----------------------------------------------------------------------------
// Standard libraries
// -----------------------------------------------------------------------------
import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	// -------------------------------------------------------------------------
	// External dependencies
	// -------------------------------------------------------------------------
	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dgraph-io/badger/v4"

	"github.com/siqueiraa/EdcSync/pkg/config"
)

const (
	dirMode           = 0o755 // Default directory permissions
	keyPrefix         = "wm:" // Prefix of every watermark key
	maxPendingWrites  = 256   // Concurrency of badger's Load during restore
	checkpointSuffix  = ".badger.gz"
	keySeparator      = ":"
	keySeparatorParts = 2
)

/* -------------------------------------------------------------------------- */
/*  Data structures                                                           */
/* -------------------------------------------------------------------------- */

// BadgerStore keeps watermarks in a local BadgerDB directory. It can back the
// directory up to S3 and restore it on an empty start.
type BadgerStore struct {
	db       *badger.DB
	locks    KeyLocks
	basePath string
	name     string
	cfg      config.StateConfig
}

// storedValue is the on-disk JSON form of a watermark.
type storedValue struct {
	LastEndTime int64 `json:"end"`
	UpdatedAt   int64 `json:"ts"`
}

// NewBadgerStore opens (or creates) the store for a pipeline. An empty
// cfg.Badger.Path opens an in-memory database.
func NewBadgerStore(pipelineName string, cfg config.StateConfig) (*BadgerStore, error) {
	st := &BadgerStore{name: pipelineName, cfg: cfg}

	var opts badger.Options
	if cfg.Badger.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		st.basePath = filepath.Join(cfg.Badger.Path, pipelineName)
		if err := os.MkdirAll(st.basePath, dirMode); err != nil {
			return nil, fmt.Errorf("failed to create state path: %w", err)
		}
		opts = badger.DefaultOptions(st.basePath)
	}

	db, err := badger.Open(opts.WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	st.db = db

	empty, err := st.isEmpty()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if empty {
		if restoreErr := st.RestoreCheckpointIfAvailable(context.Background()); restoreErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to restore checkpoint: %w", restoreErr)
		}
	} else {
		log.Printf("[State] Skipping checkpoint restore for %s: store is not empty", pipelineName)
	}
	return st, nil
}

// Close releases the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func watermarkKey(key, stage string) []byte {
	return fmt.Appendf(nil, "%s%s%s%s", keyPrefix, stage, keySeparator, key)
}

/* -------------------------------------------------------------------------- */
/*  Store implementation                                                      */
/* -------------------------------------------------------------------------- */

// Get returns the stored watermark; found is false when none exists yet.
func (b *BadgerStore) Get(_ context.Context, key, stage string) (Watermark, bool, error) {
	var (
		sv    storedValue
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		sv, found, err = readValue(txn, watermarkKey(key, stage))
		return err
	})
	if err != nil || !found {
		return Watermark{}, false, err
	}
	return sv.watermark(key, stage), true, nil
}

// Commit advances the watermark. Calls for the same key/stage are serialized
// and the regression check runs inside the write transaction.
func (b *BadgerStore) Commit(_ context.Context, key, stage string, end time.Time) error {
	unlock := b.locks.Lock(key, stage)
	defer unlock()

	k := watermarkKey(key, stage)
	return b.db.Update(func(txn *badger.Txn) error {
		current, found, err := readValue(txn, k)
		if err != nil {
			return err
		}
		if found {
			if err := CheckAdvance(key, stage, time.Unix(0, current.LastEndTime).UTC(), end); err != nil {
				return err
			}
		}
		data, err := json.Marshal(storedValue{LastEndTime: end.UnixNano(), UpdatedAt: time.Now().UnixNano()})
		if err != nil {
			return err
		}
		return txn.Set(k, data)
	})
}

// List returns every watermark of a stage, ordered by key.
func (b *BadgerStore) List(_ context.Context, stage string) ([]Watermark, error) {
	prefix := fmt.Sprintf("%s%s%s", keyPrefix, stage, keySeparator)
	var out []Watermark
	err := b.forEach(prefix, func(key string, sv storedValue) error {
		out = append(out, sv.watermark(key, stage))
		return nil
	})
	return out, err
}

// forEach iterates over every entry whose key starts with prefix, calling fn
// with the key stripped of the prefix.
func (b *BadgerStore) forEach(prefix string, fn func(key string, sv storedValue) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()

			var sv storedValue
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &sv)
			}); err != nil {
				return err
			}

			key := string(item.Key())[len(prefix):]
			if err := fn(key, sv); err != nil {
				return err
			}
		}
		return nil
	})
}

// StatsByStage counts watermarks per stage.
func (b *BadgerStore) StatsByStage() (map[string]int, error) {
	stats := make(map[string]int)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(keyPrefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			stage := strings.SplitN(rest, keySeparator, keySeparatorParts)[0]
			stats[stage]++
		}
		return nil
	})
	return stats, err
}

func readValue(txn *badger.Txn, k []byte) (storedValue, bool, error) {
	var sv storedValue
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sv, false, nil
	}
	if err != nil {
		return sv, false, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &sv)
	})
	return sv, err == nil, err
}

func (sv storedValue) watermark(key, stage string) Watermark {
	return Watermark{
		Key:         key,
		Stage:       stage,
		LastEndTime: time.Unix(0, sv.LastEndTime).UTC(),
		UpdatedAt:   time.Unix(0, sv.UpdatedAt).UTC(),
	}
}

func (b *BadgerStore) isEmpty() (bool, error) {
	empty := true
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	return empty, err
}

/* -------------------------------------------------------------------------- */
/*  Checkpoints                                                               */
/* -------------------------------------------------------------------------- */

// CreateCheckpointIfEnabled writes a gzip'ed badger backup next to the data
// directory and uploads it to S3 when configured.
func (b *BadgerStore) CreateCheckpointIfEnabled(ctx context.Context) error {
	cp := b.cfg.Badger.Checkpoint
	if !cp.Enabled || b.basePath == "" {
		return nil
	}

	cpFile := filepath.Join(b.basePath, "..", b.name+checkpointSuffix)
	if err := b.backupTo(cpFile); err != nil {
		return err
	}

	if cp.S3.Enabled {
		return b.uploadToS3(ctx, cpFile)
	}
	return nil
}

func (b *BadgerStore) backupTo(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := b.db.Backup(gz, 0); err != nil {
		return fmt.Errorf("badger backup: %w", err)
	}
	return gz.Close()
}

func (b *BadgerStore) s3Client(ctx context.Context) (*s3.Client, error) {
	s3cfg := b.cfg.Badger.Checkpoint.S3
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(s3cfg.Region),
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKey, s3cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = true
	}), nil
}

func (b *BadgerStore) checkpointObjectKey() string {
	return fmt.Sprintf("%s%s%s", b.cfg.Badger.Checkpoint.S3.Prefix, b.name, checkpointSuffix)
}

func (b *BadgerStore) uploadToS3(ctx context.Context, cpFile string) error {
	client, err := b.s3Client(ctx)
	if err != nil {
		return err
	}

	file, err := os.Open(cpFile)
	if err != nil {
		return err
	}
	defer file.Close()

	res, err := manager.NewUploader(client).Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Badger.Checkpoint.S3.Bucket),
		Key:    aws.String(b.checkpointObjectKey()),
		Body:   file,
	})
	if err != nil {
		return err
	}
	log.Printf("[Checkpoint] Uploaded to %s", res.Location)
	return nil
}

// RestoreCheckpointIfAvailable downloads the latest checkpoint from S3, if
// one exists, and loads it into the (empty) store.
func (b *BadgerStore) RestoreCheckpointIfAvailable(ctx context.Context) error {
	cp := b.cfg.Badger.Checkpoint
	if !cp.Enabled || !cp.S3.Enabled {
		return nil
	}

	client, err := b.s3Client(ctx)
	if err != nil {
		return err
	}

	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cp.S3.Bucket),
		Key:    aws.String(b.checkpointObjectKey()),
	})
	if err != nil {
		log.Printf("[Checkpoint] No checkpoint found in S3: %v", err)
		return nil
	}
	defer resp.Body.Close()

	log.Printf("[Checkpoint] Restoring checkpoint for %s from S3…", b.name)
	return b.restoreFrom(resp.Body)
}

func (b *BadgerStore) restoreFrom(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	return b.db.Load(gz, maxPendingWrites)
}
