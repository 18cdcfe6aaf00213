package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-ocr/internal/keys"
)

const (
	credentialsBucketName = "credentials"
	batchesBucketName     = "batches"
	credentialsKey        = "api_keys"
)

// ErrBatchNotFound is returned when no batch has the requested ID
var ErrBatchNotFound = errors.New("batch not found")

// DB defines the interface for database operations
type DB interface {
	keys.Store

	// SaveBatch saves a batch to the database
	SaveBatch(batch *Batch) error

	// GetBatch retrieves a batch by ID
	GetBatch(id string) (*Batch, error)

	// ListBatches returns all batches, newest first
	ListBatches() ([]*Batch, error)

	// DeleteBatch removes a batch from the database
	DeleteBatch(id string) error

	// Close closes the database connection
	Close() error
}

type credentialsRecord struct {
	Keys        []string  `json:"keys"`
	LastUpdated time.Time `json:"last_updated"`
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{credentialsBucketName, batchesBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, now: time.Now}, nil
}

func readCredentials(tx *bbolt.Tx) ([]string, error) {
	data := tx.Bucket([]byte(credentialsBucketName)).Get([]byte(credentialsKey))
	if data == nil {
		return []string{}, nil
	}
	var rec credentialsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}
	if rec.Keys == nil {
		rec.Keys = []string{}
	}
	return rec.Keys, nil
}

func (b *BoltDB) writeCredentials(tx *bbolt.Tx, list []string) error {
	data, err := json.Marshal(credentialsRecord{Keys: list, LastUpdated: b.now()})
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	return tx.Bucket([]byte(credentialsBucketName)).Put([]byte(credentialsKey), data)
}

// LoadCredentials returns the stored API keys in insertion order
func (b *BoltDB) LoadCredentials() ([]string, error) {
	var list []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = readCredentials(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// SaveCredentials replaces the stored API keys
func (b *BoltDB) SaveCredentials(list []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.writeCredentials(tx, list)
	})
}

// AddCredential appends a key unless it is already stored
func (b *BoltDB) AddCredential(key string) (bool, error) {
	added := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		list, err := readCredentials(tx)
		if err != nil {
			return err
		}
		if slices.Contains(list, key) {
			return nil
		}
		added = true
		return b.writeCredentials(tx, append(list, key))
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// RemoveCredential deletes a key if it is stored
func (b *BoltDB) RemoveCredential(key string) (bool, error) {
	removed := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		list, err := readCredentials(tx)
		if err != nil {
			return err
		}
		i := slices.Index(list, key)
		if i < 0 {
			return nil
		}
		removed = true
		return b.writeCredentials(tx, slices.Delete(list, i, i+1))
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// SaveBatch saves a batch to the database
func (b *BoltDB) SaveBatch(batch *Batch) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucketName))
		data, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshaling batch: %w", err)
		}
		return bucket.Put([]byte(batch.ID), data)
	})
}

// GetBatch retrieves a batch by ID
func (b *BoltDB) GetBatch(id string) (*Batch, error) {
	var batch *Batch
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ListBatches returns all batches, newest first
func (b *BoltDB) ListBatches() ([]*Batch, error) {
	batches := make([]*Batch, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var batch Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("unmarshaling batch: %w", err)
			}
			batches = append(batches, &batch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches, nil
}

// DeleteBatch removes a batch from the database
func (b *BoltDB) DeleteBatch(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(batchesBucketName))
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
