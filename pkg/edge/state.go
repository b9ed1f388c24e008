package edge

import (
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta   = []byte("meta")
	bucketNonces = []byte("nonces")

	keyLastCommand = []byte("last_command_id")
)

// State is the collector's only durable footprint: the last-seen command id
// and the journal of dispatch nonces already reported, so a restart never
// re-executes or re-reports a command.
type State struct {
	db *bolt.DB
}

// OpenState opens (or creates) the state database in dataDir.
func OpenState(dataDir string) (*State, error) {
	dbPath := filepath.Join(dataDir, "edge.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketNonces} {
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

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LastCommandID returns the most recently handled command id, or "".
func (s *State) LastCommandID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyLastCommand); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// SetLastCommandID records the most recently handled command id.
func (s *State) SetLastCommandID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastCommand, []byte(id))
	})
}

// MarkReported journals a dispatch nonce after its result was accepted.
func (s *State) MarkReported(nonce string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Put([]byte(nonce), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// AlreadyReported reports whether a nonce was journaled before.
func (s *State) AlreadyReported(nonce string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketNonces).Get([]byte(nonce)) != nil
		return nil
	})
	return found, err
}

// PruneNonces drops journal entries older than the retention window.
func (s *State) PruneNonces(olderThan time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			t, err := time.Parse(time.RFC3339, string(v))
			if err != nil || t.Before(olderThan) {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
