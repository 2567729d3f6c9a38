package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/mailroom/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFileName is the name of the database file inside the data directory
const DBFileName = "mailroom.db"

var (
	// Bucket names
	bucketRegistrations = []byte("registrations")
	bucketDeadLetters   = []byte("dead_letters")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRegistrations, bucketDeadLetters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Registration operations
func (s *BoltStore) PutRegistration(rec *types.RegistrationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRegistration(tx.Bucket(bucketRegistrations), rec)
	})
}

func putRegistration(b *bolt.Bucket, rec *types.RegistrationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(rec.ID[:], data)
}

func (s *BoltStore) GetRegistration(id types.RegistrationID) (*types.RegistrationRecord, error) {
	var rec types.RegistrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistrations)
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: registration %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListRegistrations() ([]*types.RegistrationRecord, error) {
	var recs []*types.RegistrationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistrations)
		return b.ForEach(func(k, v []byte) error {
			var rec types.RegistrationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// DeleteRegistration removes a registration and its dead letters
func (s *BoltStore) DeleteRegistration(id types.RegistrationID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRegistrations).Delete(id[:]); err != nil {
			return err
		}
		dl := tx.Bucket(bucketDeadLetters)
		if dl.Bucket(id[:]) != nil {
			return dl.DeleteBucket(id[:])
		}
		return nil
	})
}

// ReplaceRegistrations atomically swaps the registration set for recs
func (s *BoltStore) ReplaceRegistrations(recs []*types.RegistrationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRegistrations); err != nil {
			return fmt.Errorf("failed to clear registrations: %w", err)
		}
		b, err := tx.CreateBucket(bucketRegistrations)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketRegistrations, err)
		}
		for _, rec := range recs {
			if err := putRegistration(b, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dead letter operations. Each registration has a nested bucket keyed by
// an insertion sequence, so listing returns dead letters oldest first.
func (s *BoltStore) AddDeadLetter(dl *types.DeadLetter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDeadLetters).CreateBucketIfNotExists(dl.RegistrationID[:])
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListDeadLetters(id types.RegistrationID) ([]*types.DeadLetter, error) {
	var dls []*types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters).Bucket(id[:])
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dl types.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			dls = append(dls, &dl)
			return nil
		})
	})
	return dls, err
}

func (s *BoltStore) CountDeadLetters() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEachBucket(func(k []byte) error {
			count += tx.Bucket(bucketDeadLetters).Bucket(k).Stats().KeyN
			return nil
		})
	})
	return count, err
}
