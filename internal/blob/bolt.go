package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var objectsBucket = []byte("objects")

// BoltStore is a single-node Store backed by a bbolt file. bbolt serializes
// write transactions, which gives create-if-absent and compare-and-delete
// their atomicity. Sweep plays the role of a bucket lifecycle rule.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

type boltRecord struct {
	Body      []byte    `json:"body"`
	Revision  string    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

// BoltOption configures optional BoltStore behavior.
type BoltOption func(*BoltStore)

// WithClock overrides the clock used to stamp objects.
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) {
		s.now = now
	}
}

// OpenBoltStore opens (or creates) the bbolt file at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating objects bucket: %w", err)
	}

	s := &BoltStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) PutIfAbsent(_ context.Context, key string, body []byte) (string, error) {
	var rev string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		if b.Get([]byte(key)) != nil {
			return ErrPreconditionFailed
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rev = revision(seq, body)

		data, err := json.Marshal(boltRecord{Body: body, Revision: rev, CreatedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("putting %s: %w", key, err)
	}
	return rev, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (*Object, error) {
	var rec boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(objectsBucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return &Object{Body: rec.Body, Revision: rec.Revision}, nil
}

func (s *BoltStore) DeleteIfMatch(_ context.Context, key, rev string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Revision != rev {
			return ErrPreconditionFailed
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Sweep deletes every object created more than ttl ago and returns how many
// were removed.
func (s *BoltStore) Sweep(ttl time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-ttl)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(objectsBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			slog.Info("expired blob object removed", "key", string(k))
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping expired objects: %w", err)
	}
	return removed, nil
}

func revision(seq uint64, body []byte) string {
	sum := md5.Sum(append([]byte(fmt.Sprintf("%d:", seq)), body...))
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

var _ Store = (*BoltStore)(nil)
