// Package pebble implements the storage interface on an embedded
// Pebble key-value store. Records are stored as JSON under
// collection-prefixed keys, the position encoded into the key keeps
// reads in write order.
package pebble

import (
	"context"
	"encoding/json"
	"fmt"

	pebbledb "github.com/cockroachdb/pebble"

	"github.com/grantsync/grantsync"
)

const (
	directGrantsPrefix = "direct_grants"
	groupGrantsPrefix  = "group_grants"
	membershipsPrefix  = "memberships"
	effectivePrefix    = "effective_permissions"
	diagnosticsPrefix  = "diagnostics"
)

type PebbleStorage struct {
	db *pebbledb.DB
}

func NewPebbleStorage(dirname string) (*PebbleStorage, error) {
	db, err := pebbledb.Open(dirname, &pebbledb.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStorage{db}, nil
}

func (s *PebbleStorage) Close() error {
	return s.db.Close()
}

func (s *PebbleStorage) WriteDirectGrants(ctx context.Context, grants []grantsync.DirectGrant) error {
	return writeAll(s, directGrantsPrefix, grants)
}

func (s *PebbleStorage) DirectGrants(ctx context.Context) ([]grantsync.DirectGrant, error) {
	return readAll[grantsync.DirectGrant](s, directGrantsPrefix)
}

func (s *PebbleStorage) WriteGroupGrants(ctx context.Context, grants []grantsync.GroupGrant) error {
	return writeAll(s, groupGrantsPrefix, grants)
}

func (s *PebbleStorage) GroupGrants(ctx context.Context) ([]grantsync.GroupGrant, error) {
	return readAll[grantsync.GroupGrant](s, groupGrantsPrefix)
}

func (s *PebbleStorage) WriteMemberships(ctx context.Context, memberships []grantsync.Membership) error {
	return writeAll(s, membershipsPrefix, memberships)
}

func (s *PebbleStorage) Memberships(ctx context.Context) ([]grantsync.Membership, error) {
	return readAll[grantsync.Membership](s, membershipsPrefix)
}

func (s *PebbleStorage) WriteEffective(ctx context.Context, permissions []grantsync.EffectivePermission) error {
	return writeAll(s, effectivePrefix, permissions)
}

func (s *PebbleStorage) Effective(ctx context.Context) ([]grantsync.EffectivePermission, error) {
	return readAll[grantsync.EffectivePermission](s, effectivePrefix)
}

func (s *PebbleStorage) WriteDiagnostics(ctx context.Context, diagnostics []grantsync.Diagnostic) error {
	return writeAll(s, diagnosticsPrefix, diagnostics)
}

func (s *PebbleStorage) Diagnostics(ctx context.Context) ([]grantsync.Diagnostic, error) {
	return readAll[grantsync.Diagnostic](s, diagnosticsPrefix)
}

// writeAll replaces a collection in one synced batch: range-delete the
// prefix, set the new rows, set the snapshot marker.
func writeAll[T any](s *PebbleStorage, collection string, records []T) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	prefix := []byte(collection + "/")
	if err := batch.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return err
	}
	for i, record := range records {
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := batch.Set(rowKey(collection, i), value, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(snapshotKey(collection), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebbledb.Sync)
}

func readAll[T any](s *PebbleStorage, collection string) ([]T, error) {
	_, closer, err := s.db.Get(snapshotKey(collection))
	if err == pebbledb.ErrNotFound {
		return nil, grantsync.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	closer.Close()

	prefix := []byte(collection + "/")
	iter, err := s.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return nil, err
	}
	records := []T{}
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			iter.Close()
			return nil, err
		}
		var record T
		if err := json.Unmarshal(value, &record); err != nil {
			iter.Close()
			return nil, fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		records = append(records, record)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return records, nil
}

func rowKey(collection string, pos int) []byte {
	// The padded position keeps lexicographic key order equal to write
	// order during prefix iteration.
	return []byte(fmt.Sprintf("%s/%010d", collection, pos))
}

func snapshotKey(collection string) []byte {
	return []byte("snapshot!" + collection)
}

func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper-bound
}

func prefixIterOptions(prefix []byte) *pebbledb.IterOptions {
	return &pebbledb.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	}
}
