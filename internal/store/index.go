package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"
	"go.etcd.io/bbolt"
)

// The index is a convenience for `stats` and `ls`; the filesystem is the
// authoritative state. BoltDB takes a whole-file lock per writer, so every
// index touch uses a short open timeout and every failure is swallowed;
// an invocation must never block or fail on bookkeeping.
const (
	indexBucket  = "entries"
	indexTimeout = 250 * time.Millisecond
)

func (s *Store) openIndex() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.indexPath(), 0o600, &bbolt.Options{Timeout: indexTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index bucket: %w", err)
	}

	return db, nil
}

func (s *Store) recordIndexed(fp digest.Digest, m *Manifest) {
	db, err := s.openIndex()
	if err != nil {
		s.logger.Debug("skipping index update", slog.String("error", err.Error()))
		return
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket([]byte(indexBucket)).Put([]byte(fp.String()), data)
	})
	if err != nil {
		s.logger.Debug("skipping index update", slog.String("error", err.Error()))
	}
}

func (s *Store) dropIndexed(fp digest.Digest) {
	db, err := s.openIndex()
	if err != nil {
		return
	}
	defer db.Close()

	_ = db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Delete([]byte(fp.String()))
	})
}

// List returns the manifests of all indexed entries.
func (s *Store) List() ([]Manifest, error) {
	db, err := s.openIndex()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var manifests []Manifest

	err = db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).ForEach(func(_, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			manifests = append(manifests, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache index: %w", err)
	}

	return manifests, nil
}
