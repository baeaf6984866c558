// Package rcstore persists validated RouterContacts, link-session
// keepalive deadlines, and the last-received service-node whitelist
// snapshot to a single bbolt file, so a restart does not require
// re-running every DHT lookup or waiting for the next whitelist poll.
package rcstore

import (
	"encoding/binary"
	"time"

	"github.com/go-i2p/logger"
	"go.etcd.io/bbolt"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/rc"
)

var log = logger.GetGoI2PLogger()

const (
	bucketRCs        = "rcs"
	bucketPersisting = "persisting"
	bucketWhitelist  = "whitelist"
	bucketMeta       = "meta"

	metaVersionKey = "version"
	currentVersion = byte(1)

	whitelistKey = "current"
)

// Store is a bbolt-backed handle on-disk at one file, opened at daemon
// configure time and closed at stop.
type Store struct {
	db *bbolt.DB
}

// Open creates (or loads) the store at path, ensuring every bucket
// exists and checking the on-disk version.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errkind.New(errkind.Fatal, err)
	}

	s := &Store{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		for _, name := range []string{bucketRCs, bucketPersisting, bucketWhitelist} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if v := meta.Get([]byte(metaVersionKey)); v != nil {
			if len(v) != 1 || v[0] != currentVersion {
				return errkind.Errorf(errkind.Fatal, "rcstore: incompatible on-disk version %v", v)
			}
			return nil
		}
		return meta.Put([]byte(metaVersionKey), []byte{currentVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRC upserts a validated RouterContact keyed by its RouterID.
func (s *Store) PutRC(c rc.Contact) error {
	enc, err := rc.Encode(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRCs)).Put(c.RouterID[:], enc)
	})
}

// GetRC looks up a cached RouterContact by id. ok is false if absent.
func (s *Store) GetRC(id rc.ID) (c rc.Contact, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketRCs)).Get(id[:])
		if v == nil {
			return nil
		}
		decoded, derr := rc.Decode(v)
		if derr != nil {
			log.WithError(derr).WithField("router", id.String()).Warn("dropping unreadable cached RC")
			return nil
		}
		c, ok = decoded, true
		return nil
	})
	return c, ok, err
}

// DeleteRC removes any cached RC for id. Idempotent.
func (s *Store) DeleteRC(id rc.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRCs)).Delete(id[:])
	})
}

// ForEachRC calls fn with every cached RouterContact.
func (s *Store) ForEachRC(fn func(rc.Contact)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketRCs)).ForEach(func(_, v []byte) error {
			c, err := rc.Decode(v)
			if err != nil {
				return nil
			}
			fn(c)
			return nil
		})
	})
}

// PutPersisting records {id -> deadline}, overwriting any prior entry.
func (s *Store) PutPersisting(id rc.ID, deadline time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(deadline.UnixNano()))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPersisting)).Put(id[:], buf[:])
	})
}

// DeletePersisting removes the persistence entry for id. Idempotent.
func (s *Store) DeletePersisting(id rc.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPersisting)).Delete(id[:])
	})
}

// ForEachPersisting calls fn with every stored {RouterID, deadline},
// used to repopulate Link Manager's persisting map at startup.
func (s *Store) ForEachPersisting(fn func(rc.ID, time.Time)) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketPersisting)).ForEach(func(k, v []byte) error {
			if len(k) != 32 || len(v) != 8 {
				return nil
			}
			var id rc.ID
			copy(id[:], k)
			deadline := time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC()
			fn(id, deadline)
			return nil
		})
	})
}

// PutWhitelist atomically replaces the stored whitelist snapshot.
func (s *Store) PutWhitelist(ids []rc.ID) error {
	buf := make([]byte, 32*len(ids))
	for i, id := range ids {
		copy(buf[i*32:], id[:])
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketWhitelist)).Put([]byte(whitelistKey), buf)
	})
}

// GetWhitelist returns the last-persisted whitelist snapshot, or nil if
// none has ever been stored.
func (s *Store) GetWhitelist() ([]rc.ID, error) {
	var ids []rc.ID
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketWhitelist)).Get([]byte(whitelistKey))
		if v == nil || len(v)%32 != 0 {
			return nil
		}
		ids = make([]rc.ID, len(v)/32)
		for i := range ids {
			copy(ids[i][:], v[i*32:(i+1)*32])
		}
		return nil
	})
	return ids, err
}
