// Package store wraps a BoltDB database for broker persistence: channel
// records, per-channel durable event logs, and channel-scoped key-value
// storage. Event payloads are stored as the bytes the caller hands in and
// echoed back unchanged.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketChannels = []byte("channels")
	bucketEvents   = []byte("events")
	bucketStorage  = []byte("storage")
	bucketOffsets  = []byte("offsets")
)

// Store wraps a BoltDB database for ChannelMesh persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChannels, bucketEvents, bucketStorage, bucketOffsets} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveChannel stores a channel record, keyed by channelId.
func (s *Store) SaveChannel(channelID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).Put([]byte(channelID), data)
	})
}

// GetChannel returns the stored channel record, or nil, nil if absent.
func (s *Store) GetChannel(channelID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChannels).Get([]byte(channelID))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// ListChannels returns all persisted channel records keyed by channelId.
func (s *Store) ListChannels() (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChannels).ForEach(func(k, v []byte) error {
			data := make([]byte, len(v))
			copy(data, v)
			result[string(k)] = data
			return nil
		})
	})
	return result, err
}

// DeleteChannel removes the channel record, its event log, and its KV
// storage in one transaction.
func (s *Store) DeleteChannel(channelID string) error {
	key := []byte(channelID)
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketChannels).Delete(key); err != nil {
			return err
		}
		for _, parent := range [][]byte{bucketEvents, bucketStorage} {
			if tx.Bucket(parent).Bucket(key) != nil {
				if err := tx.Bucket(parent).DeleteBucket(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SaveOffsetMarker records a channel's final counters at deletion. The
// marker outlives the channel record so a recreated channelId resumes past
// the counters instead of restarting at zero.
func (s *Store) SaveOffsetMarker(channelID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffsets).Put([]byte(channelID), data)
	})
}

// GetOffsetMarker returns the marker left by the channelId's last deletion,
// or nil, nil when the channelId never lived before.
func (s *Store) GetOffsetMarker(channelID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOffsets).Get([]byte(channelID))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// offsetKey encodes a localOffset as a sortable 8-byte big-endian key.
func offsetKey(localOffset int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(localOffset))
	return k
}

// AppendEvent writes a durable event under its localOffset key. Offsets are
// allocated by the channel registry before the write; a failed write leaves
// no partial state.
func (s *Store) AppendEvent(channelID string, localOffset int64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(channelID))
		if err != nil {
			return err
		}
		return b.Put(offsetKey(localOffset), data)
	})
}

// StoredEvent pairs an event payload with its localOffset key.
type StoredEvent struct {
	LocalOffset int64
	Data        []byte
}

// ReadEventsAfter returns up to limit events with localOffset strictly
// greater than after, in offset order.
func (s *Store) ReadEventsAfter(channelID string, after int64, limit int) ([]StoredEvent, error) {
	var out []StoredEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := offsetKey(after + 1)
		for k, v := c.Seek(start); k != nil && len(out) < limit; k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, StoredEvent{
				LocalOffset: int64(binary.BigEndian.Uint64(k)),
				Data:        data,
			})
		}
		return nil
	})
	return out, err
}

// LastEventOffset returns the highest localOffset in the channel's log.
// ok is false when the log is empty or absent.
func (s *Store) LastEventOffset(channelID string) (offset int64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			offset = int64(binary.BigEndian.Uint64(k))
			ok = true
		}
		return nil
	})
	return offset, ok, err
}

// TruncateEvents destroys the channel's event log. The next append
// recreates it; localOffsets restart from the registry's counter.
func (s *Store) TruncateEvents(channelID string) error {
	key := []byte(channelID)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEvents).Bucket(key) == nil {
			return nil
		}
		return tx.Bucket(bucketEvents).DeleteBucket(key)
	})
}

// PruneEvents deletes events the retention filter marks as expired, walking
// from the oldest until the filter first returns false. Returns the number
// deleted.
func (s *Store) PruneEvents(channelID string, expired func(data []byte) bool) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !expired(v) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(keys)
		return nil
	})
	return pruned, err
}

// PutStorage stores an opaque value under (channelId, key).
func (s *Store) PutStorage(channelID, key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketStorage).CreateBucketIfNotExists([]byte(channelID))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// GetStorage returns the value under (channelId, key), or nil, nil if absent.
func (s *Store) GetStorage(channelID, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorage).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// ListStorageKeys returns all keys stored for a channel, optionally
// restricted to a prefix, in lexicographic order.
func (s *Store) ListStorageKeys(channelID, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorage).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// DeleteStorage removes the value under (channelId, key). Deleting an absent
// key is not an error.
func (s *Store) DeleteStorage(channelID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorage).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
