package affinity

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketHosts = []byte("hosts")

// storedEntry is the JSON shape kept in the hosts bucket.
type storedEntry struct {
	Key   HostKey `json:"key"`
	Entry Entry   `json:"entry"`
}

// BoltStore persists table snapshots in a bbolt database so the table
// survives restarts. It is safe for concurrent use.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("affinity: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHosts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("affinity: init bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save replaces the stored snapshot with snap in one transaction.
func (s *BoltStore) Save(snap map[HostKey]Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketHosts); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketHosts)
		if err != nil {
			return err
		}
		for k, e := range snap {
			data, err := json.Marshal(storedEntry{Key: k, Entry: e})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the stored snapshot. Undecodable rows are skipped.
func (s *BoltStore) Load() (map[HostKey]Entry, error) {
	out := make(map[HostKey]Entry)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return nil
			}
			out[se.Key] = se.Entry
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("affinity: load: %w", err)
	}
	return out, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
