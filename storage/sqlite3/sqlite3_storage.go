// Package sqlite3 implements the storage interface on a single SQLite
// database file, useful for local runs that want transactional
// snapshots without a database server.
package sqlite3

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/grantsync/grantsync"
)

//go:embed schema.sql
var schema string

type SQLite3Option interface {
	do(*sqlite3Config)
}

type sqlite3Config struct {
	poolSize int
}

type sqlite3FunctionAdapter func(*sqlite3Config)

func (fn sqlite3FunctionAdapter) do(config *sqlite3Config) {
	fn(config)
}

// PoolSize sets the number of pooled connections.
func PoolSize(n int) SQLite3Option {
	return sqlite3FunctionAdapter(func(config *sqlite3Config) {
		config.poolSize = n
	})
}

type SQLite3Storage struct {
	pool *sqlitex.Pool
}

// NewSQLite3Storage opens or creates the database file and applies the
// schema.
func NewSQLite3Storage(filepath string, options ...SQLite3Option) (*SQLite3Storage, error) {
	opts := sqlite3Config{poolSize: 4}
	lo.ForEach(options, func(option SQLite3Option, _ int) {
		option.do(&opts)
	})

	pool, err := sqlitex.NewPool(filepath, sqlitex.PoolOptions{
		PoolSize: opts.poolSize,
	})
	if err != nil {
		return nil, err
	}
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLite3Storage{pool}, nil
}

func (s *SQLite3Storage) Close() error {
	return s.pool.Close()
}

func (s *SQLite3Storage) WriteDirectGrants(ctx context.Context, grants []grantsync.DirectGrant) error {
	rows, err := insertRows(len(grants), func(i int) []any {
		grant := grants[i]
		return []any{grant.Repo.ProjectKey, grant.Repo.RepoSlug, grant.Principal.Name, grant.Principal.Email, grant.Level.String()}
	})
	if err != nil {
		return err
	}
	return s.replace(ctx, "direct_grants",
		"INSERT INTO direct_grants (uuid, pos, project_key, repo_slug, username, email, level) VALUES (?, ?, ?, ?, ?, ?, ?)", rows)
}

func (s *SQLite3Storage) DirectGrants(ctx context.Context) ([]grantsync.DirectGrant, error) {
	grants := []grantsync.DirectGrant{}
	err := s.query(ctx, "direct_grants",
		"SELECT project_key, repo_slug, username, email, level FROM direct_grants ORDER BY pos",
		func(stmt *sqlite.Stmt) error {
			level, err := grantsync.ParseLevel(stmt.ColumnText(4))
			if err != nil {
				return err
			}
			grants = append(grants, grantsync.DirectGrant{
				Repo:      grantsync.RepoKey{ProjectKey: stmt.ColumnText(0), RepoSlug: stmt.ColumnText(1)},
				Principal: grantsync.User(stmt.ColumnText(2), stmt.ColumnText(3)),
				Level:     level,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *SQLite3Storage) WriteGroupGrants(ctx context.Context, grants []grantsync.GroupGrant) error {
	rows, err := insertRows(len(grants), func(i int) []any {
		grant := grants[i]
		return []any{grant.Repo.ProjectKey, grant.Repo.RepoSlug, grant.Group, grant.Level.String()}
	})
	if err != nil {
		return err
	}
	return s.replace(ctx, "group_grants",
		"INSERT INTO group_grants (uuid, pos, project_key, repo_slug, group_name, level) VALUES (?, ?, ?, ?, ?, ?)", rows)
}

func (s *SQLite3Storage) GroupGrants(ctx context.Context) ([]grantsync.GroupGrant, error) {
	grants := []grantsync.GroupGrant{}
	err := s.query(ctx, "group_grants",
		"SELECT project_key, repo_slug, group_name, level FROM group_grants ORDER BY pos",
		func(stmt *sqlite.Stmt) error {
			level, err := grantsync.ParseLevel(stmt.ColumnText(3))
			if err != nil {
				return err
			}
			grants = append(grants, grantsync.GroupGrant{
				Repo:  grantsync.RepoKey{ProjectKey: stmt.ColumnText(0), RepoSlug: stmt.ColumnText(1)},
				Group: stmt.ColumnText(2),
				Level: level,
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (s *SQLite3Storage) WriteMemberships(ctx context.Context, memberships []grantsync.Membership) error {
	rows, err := insertRows(len(memberships), func(i int) []any {
		membership := memberships[i]
		return []any{membership.Group, membership.Member.Name, membership.Member.Email}
	})
	if err != nil {
		return err
	}
	return s.replace(ctx, "memberships",
		"INSERT INTO memberships (uuid, pos, group_name, username, email) VALUES (?, ?, ?, ?, ?)", rows)
}

func (s *SQLite3Storage) Memberships(ctx context.Context) ([]grantsync.Membership, error) {
	memberships := []grantsync.Membership{}
	err := s.query(ctx, "memberships",
		"SELECT group_name, username, email FROM memberships ORDER BY pos",
		func(stmt *sqlite.Stmt) error {
			memberships = append(memberships, grantsync.Membership{
				Group:  stmt.ColumnText(0),
				Member: grantsync.User(stmt.ColumnText(1), stmt.ColumnText(2)),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

func (s *SQLite3Storage) WriteEffective(ctx context.Context, permissions []grantsync.EffectivePermission) error {
	rows, err := insertRows(len(permissions), func(i int) []any {
		permission := permissions[i]
		return []any{permission.Repo.ProjectKey, permission.Repo.RepoSlug, permission.Email, permission.Level.String(), string(permission.Source), permission.SourcePrincipal}
	})
	if err != nil {
		return err
	}
	return s.replace(ctx, "effective_permissions",
		"INSERT INTO effective_permissions (uuid, pos, project_key, repo_slug, email, level, source, source_principal) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", rows)
}

func (s *SQLite3Storage) Effective(ctx context.Context) ([]grantsync.EffectivePermission, error) {
	permissions := []grantsync.EffectivePermission{}
	err := s.query(ctx, "effective_permissions",
		"SELECT project_key, repo_slug, email, level, source, source_principal FROM effective_permissions ORDER BY pos",
		func(stmt *sqlite.Stmt) error {
			level, err := grantsync.ParseLevel(stmt.ColumnText(3))
			if err != nil {
				return err
			}
			permissions = append(permissions, grantsync.EffectivePermission{
				Repo:            grantsync.RepoKey{ProjectKey: stmt.ColumnText(0), RepoSlug: stmt.ColumnText(1)},
				Email:           stmt.ColumnText(2),
				Level:           level,
				Source:          grantsync.Source(stmt.ColumnText(4)),
				SourcePrincipal: stmt.ColumnText(5),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return permissions, nil
}

func (s *SQLite3Storage) WriteDiagnostics(ctx context.Context, diagnostics []grantsync.Diagnostic) error {
	rows, err := insertRows(len(diagnostics), func(i int) []any {
		diagnostic := diagnostics[i]
		return []any{string(diagnostic.Kind), string(diagnostic.Severity), diagnostic.Repo.ProjectKey, diagnostic.Repo.RepoSlug, diagnostic.Group, diagnostic.Principal}
	})
	if err != nil {
		return err
	}
	return s.replace(ctx, "diagnostics",
		"INSERT INTO diagnostics (uuid, pos, kind, severity, project_key, repo_slug, group_name, principal) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", rows)
}

func (s *SQLite3Storage) Diagnostics(ctx context.Context) ([]grantsync.Diagnostic, error) {
	diagnostics := []grantsync.Diagnostic{}
	err := s.query(ctx, "diagnostics",
		"SELECT kind, severity, project_key, repo_slug, group_name, principal FROM diagnostics ORDER BY pos",
		func(stmt *sqlite.Stmt) error {
			diagnostics = append(diagnostics, grantsync.Diagnostic{
				Kind:      grantsync.DiagnosticKind(stmt.ColumnText(0)),
				Severity:  grantsync.Severity(stmt.ColumnText(1)),
				Repo:      grantsync.RepoKey{ProjectKey: stmt.ColumnText(2), RepoSlug: stmt.ColumnText(3)},
				Group:     stmt.ColumnText(4),
				Principal: stmt.ColumnText(5),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return diagnostics, nil
}

// insertRows prefixes every row with a fresh uuid and its position, the
// position preserves write order across reads.
func insertRows(n int, values func(i int) []any) ([][]any, error) {
	rows := make([][]any, 0, n)
	for i := 0; i < n; i++ {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		rows = append(rows, append([]any{id.String(), i}, values(i)...))
	}
	return rows, nil
}

// replace rewrites one collection in a single savepoint and marks it
// written.
func (s *SQLite3Storage) replace(ctx context.Context, table, insertSQL string, rows [][]any) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecuteTransient(conn, "DELETE FROM "+table, nil); err != nil {
		return err
	}
	for _, row := range rows {
		if err := sqlitex.Execute(conn, insertSQL, &sqlitex.ExecOptions{Args: row}); err != nil {
			return err
		}
	}
	return sqlitex.Execute(conn,
		"INSERT INTO snapshots (collection, written_at) VALUES (?, CURRENT_TIMESTAMP) ON CONFLICT (collection) DO UPDATE SET written_at = excluded.written_at",
		&sqlitex.ExecOptions{Args: []any{table}})
}

func (s *SQLite3Storage) query(ctx context.Context, table, querySQL string, result func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	written := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM snapshots WHERE collection = ?", &sqlitex.ExecOptions{
		Args: []any{table},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			written = true
			return nil
		},
	})
	if err != nil {
		return err
	}
	if !written {
		return grantsync.ErrNotFound
	}
	return sqlitex.Execute(conn, querySQL, &sqlitex.ExecOptions{ResultFunc: result})
}
