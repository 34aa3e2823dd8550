package grantsync

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage persists the record collections handed between the phases of
// a migration: extraction writes grants and memberships, resolution
// reads them and writes effective permissions and diagnostics, applying
// reads effective permissions.
//
// Every write replaces the whole collection, a collection is always the
// snapshot of one run. Readers return ErrNotFound until the collection
// has been written at least once; a written empty collection reads back
// as an empty slice. Readers return records in the order they were
// written.
type Storage interface {
	WriteDirectGrants(ctx context.Context, grants []DirectGrant) error
	DirectGrants(ctx context.Context) ([]DirectGrant, error)

	WriteGroupGrants(ctx context.Context, grants []GroupGrant) error
	GroupGrants(ctx context.Context) ([]GroupGrant, error)

	WriteMemberships(ctx context.Context, memberships []Membership) error
	Memberships(ctx context.Context) ([]Membership, error)

	WriteEffective(ctx context.Context, permissions []EffectivePermission) error
	Effective(ctx context.Context) ([]EffectivePermission, error)

	WriteDiagnostics(ctx context.Context, diagnostics []Diagnostic) error
	Diagnostics(ctx context.Context) ([]Diagnostic, error)

	Close() error
}
