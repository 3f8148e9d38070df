package ledger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/cavepack/pkg/digest"
)

// IndexFile is the name of the index database inside the ledger directory.
const IndexFile = "inputs.db"

// bucketInputs maps input digest + output digest -> nothing.
var bucketInputs = []byte("inputs")

// index links input images to the outputs produced from them. Records
// themselves live in badger.
type index struct {
	db *bolt.DB
}

func openIndex(path string, noSync bool) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInputs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init index: %w", err)
	}
	return &index{db: db}, nil
}

// inputKey returns the index key linking input to output.
func inputKey(input, output digest.Digest) []byte {
	key := make([]byte, 0, 2*digest.Size)
	key = append(key, input[:]...)
	return append(key, output[:]...)
}

func (x *index) add(input, output digest.Digest) error {
	return x.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInputs).Put(inputKey(input, output), []byte{})
	})
}

// outputs returns the outputs recorded for input in digest order.
func (x *index) outputs(input digest.Digest) ([]digest.Digest, error) {
	var out []digest.Digest
	err := x.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketInputs).Cursor()
		prefix := input[:]
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != 2*digest.Size {
				return fmt.Errorf("%w: index key of %d bytes", ErrCorrupted, len(k))
			}
			var d digest.Digest
			copy(d[:], k[digest.Size:])
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (x *index) close() error {
	return x.db.Close()
}
