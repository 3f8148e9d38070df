// Package ledger keeps a persistent journal of packed images.
//
// Every written output image gets a Record keyed by its BLAKE3 digest,
// stored in badger as zstd-compressed JSON. A bbolt index beside it maps
// input digests to the outputs produced from them, so a binary can be
// traced back to the run that made it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/cavepack/pkg/digest"
)

// prefixRecord is the prefix for records.
// Key format: prefixRecord + output digest (32 bytes)
var prefixRecord = []byte{0x01}

// Ledger errors.
var (
	// ErrNotFound is returned when no record exists for a digest.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operating on a closed ledger.
	ErrClosed = errors.New("ledger closed")

	// ErrCorrupted is returned when a stored record cannot be decoded.
	ErrCorrupted = errors.New("record corrupted")
)

// Record describes one packed image.
type Record struct {
	// Output is the digest of the written image.
	Output digest.Digest `json:"-"`

	// Input is the digest of the (decompressed) input image.
	Input digest.Digest `json:"-"`

	// OutputPath and InputPath are informational.
	OutputPath string `json:"output_path,omitempty"`
	InputPath  string `json:"input_path,omitempty"`

	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy"`
	Keys     string `json:"keys,omitempty"`

	// Entry is the redirected subroutine address.
	Entry uint64 `json:"entry"`

	CaveSection string `json:"cave_section"`
	CaveStart   uint64 `json:"cave_start"`
	CaveEnd     uint64 `json:"cave_end"`

	// Slots is the number of disguised slots, zero for replacements.
	Slots int `json:"slots"`

	// Payload fingerprints the cave content.
	Payload digest.Digest `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// MarshalJSON implements json.Marshaler. Digests are written in base58.
func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		Output  string `json:"output"`
		Input   string `json:"input"`
		Payload string `json:"payload"`
		*plain
	}{r.Output.String(), r.Input.String(), r.Payload.String(), (*plain)(r)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		Output  string `json:"output"`
		Input   string `json:"input"`
		Payload string `json:"payload"`
		*plain
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if r.Output, err = digest.Parse(aux.Output); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if r.Input, err = digest.Parse(aux.Input); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if r.Payload, err = digest.Parse(aux.Payload); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

// Config contains configuration for the ledger store.
type Config struct {
	// Path is the ledger directory.
	Path string

	// IndexPath is the input index database. Defaults to IndexFile inside
	// Path.
	IndexPath string

	// InMemory keeps the records in memory. The index still needs a file.
	// Used by tests.
	InMemory bool

	// SyncWrites syncs every record to disk before Put returns.
	SyncWrites bool

	// Logger receives badger's messages. Nil discards them.
	Logger badger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true, // one record per run
	}
}

// Ledger is a BadgerDB-backed record store with a bbolt input index.
type Ledger struct {
	db    *badger.DB
	index *index

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// mu serializes writes so the record and its index land together.
	mu sync.Mutex

	closed atomic.Bool
}

// Open opens or creates a ledger.
func Open(cfg Config) (*Ledger, error) {
	indexPath := cfg.IndexPath
	if indexPath == "" {
		if cfg.Path == "" {
			return nil, errors.New("ledger needs a directory for its index")
		}
		indexPath = filepath.Join(cfg.Path, IndexFile)
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	idx, err := openIndex(indexPath, !cfg.SyncWrites)
	if err != nil {
		db.Close()
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		idx.close()
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		idx.close()
		db.Close()
		return nil, err
	}

	return &Ledger{
		db:      db,
		index:   idx,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// recordKey returns the key for a record.
func recordKey(output digest.Digest) []byte {
	key := make([]byte, 1+digest.Size)
	key[0] = prefixRecord[0]
	copy(key[1:], output[:])
	return key
}

// Put stores a record, replacing any record for the same output, and
// indexes it under its input.
func (l *Ledger) Put(rec *Record) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if rec.Output.IsZero() {
		return fmt.Errorf("record for %s has no output digest", rec.Symbol)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	value := l.encoder.EncodeAll(data, nil)

	l.mu.Lock()
	defer l.mu.Unlock()

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.Output), value)
	})
	if err != nil {
		return err
	}
	return l.index.add(rec.Input, rec.Output)
}

// Get returns the record of an output image.
func (l *Ledger) Get(output digest.Digest) (*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	var rec *Record
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = l.get(txn, output)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) get(txn *badger.Txn, output digest.Digest) (*Record, error) {
	item, err := txn.Get(recordKey(output))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, output)
	}
	if err != nil {
		return nil, err
	}

	var rec *Record
	err = item.Value(func(val []byte) error {
		rec, err = l.decode(val)
		return err
	})
	return rec, err
}

func (l *Ledger) decode(val []byte) (*Record, error) {
	data, err := l.decoder.DecodeAll(val, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return rec, nil
}

// FromInput returns every record produced from an input image, ordered by
// output digest.
func (l *Ledger) FromInput(input digest.Digest) ([]*Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	outputs, err := l.index.outputs(input)
	if err != nil {
		return nil, err
	}

	var recs []*Record
	err = l.db.View(func(txn *badger.Txn) error {
		for _, output := range outputs {
			rec, err := l.get(txn, output)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Iterate calls fn for every record in output digest order. Return an
// error from fn to stop iteration.
func (l *Ledger) Iterate(fn func(rec *Record) error) error {
	if l.closed.Load() {
		return ErrClosed
	}

	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRecord
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := l.decode(val)
				if err != nil {
					return err
				}
				return fn(rec)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the ledger.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	l.encoder.Close()
	l.decoder.Close()
	return errors.Join(l.index.close(), l.db.Close())
}
