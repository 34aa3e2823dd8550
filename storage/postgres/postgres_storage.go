// Package postgres implements the storage interface on PostgreSQL,
// the backend of choice when several people or machines share one
// migration state.
package postgres

import (
	"context"
	"embed"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/grantsync/grantsync"
)

//go:embed migrations/*.sql
var fs embed.FS

func RunMigrations(databaseURL string) error {
	driver, err := iofs.New(fs, "migrations")
	if err != nil {
		return err
	}
	migrations, err := migrate.NewWithSourceInstance("iofs", driver, databaseURL)
	if err != nil {
		return err
	}
	err = migrations.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type PostgresOption interface {
	do(*postgresConfig)
}

type postgresConfig struct {
	maxConns int32
}

type postgresFunctionAdapter func(*postgresConfig)

func (fn postgresFunctionAdapter) do(c *postgresConfig) {
	fn(c)
}

// MaxConns caps the connection pool size.
func MaxConns(n int32) PostgresOption {
	return postgresFunctionAdapter(func(c *postgresConfig) { c.maxConns = n })
}

type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(databaseURL string, options ...PostgresOption) (*PostgresStorage, error) {
	opts := postgresConfig{}
	lo.ForEach(options, func(o PostgresOption, _ int) { o.do(&opts) })
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if opts.maxConns > 0 {
		config.MaxConns = opts.maxConns
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &PostgresStorage{pool}, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) WriteDirectGrants(ctx context.Context, grants []grantsync.DirectGrant) error {
	return s.replace(ctx, "direct_grants",
		[]string{"uuid", "pos", "project_key", "repo_slug", "username", "email", "level"},
		len(grants), func(i int) ([]any, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			grant := grants[i]
			return []any{id, i, grant.Repo.ProjectKey, grant.Repo.RepoSlug, grant.Principal.Name, grant.Principal.Email, grant.Level.String()}, nil
		})
}

func (s *PostgresStorage) DirectGrants(ctx context.Context) ([]grantsync.DirectGrant, error) {
	if err := s.written(ctx, "direct_grants"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT project_key, repo_slug, username, email, level FROM direct_grants ORDER BY pos")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []grantsync.DirectGrant{}
	for rows.Next() {
		var (
			grant grantsync.DirectGrant
			name  string
			email string
			level string
		)
		if err := rows.Scan(&grant.Repo.ProjectKey, &grant.Repo.RepoSlug, &name, &email, &level); err != nil {
			return nil, err
		}
		grant.Principal = grantsync.User(name, email)
		if grant.Level, err = grantsync.ParseLevel(level); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *PostgresStorage) WriteGroupGrants(ctx context.Context, grants []grantsync.GroupGrant) error {
	return s.replace(ctx, "group_grants",
		[]string{"uuid", "pos", "project_key", "repo_slug", "group_name", "level"},
		len(grants), func(i int) ([]any, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			grant := grants[i]
			return []any{id, i, grant.Repo.ProjectKey, grant.Repo.RepoSlug, grant.Group, grant.Level.String()}, nil
		})
}

func (s *PostgresStorage) GroupGrants(ctx context.Context) ([]grantsync.GroupGrant, error) {
	if err := s.written(ctx, "group_grants"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT project_key, repo_slug, group_name, level FROM group_grants ORDER BY pos")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := []grantsync.GroupGrant{}
	for rows.Next() {
		var (
			grant grantsync.GroupGrant
			level string
		)
		if err := rows.Scan(&grant.Repo.ProjectKey, &grant.Repo.RepoSlug, &grant.Group, &level); err != nil {
			return nil, err
		}
		if grant.Level, err = grantsync.ParseLevel(level); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *PostgresStorage) WriteMemberships(ctx context.Context, memberships []grantsync.Membership) error {
	return s.replace(ctx, "memberships",
		[]string{"uuid", "pos", "group_name", "username", "email"},
		len(memberships), func(i int) ([]any, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			membership := memberships[i]
			return []any{id, i, membership.Group, membership.Member.Name, membership.Member.Email}, nil
		})
}

func (s *PostgresStorage) Memberships(ctx context.Context) ([]grantsync.Membership, error) {
	if err := s.written(ctx, "memberships"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT group_name, username, email FROM memberships ORDER BY pos")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := []grantsync.Membership{}
	for rows.Next() {
		var group, name, email string
		if err := rows.Scan(&group, &name, &email); err != nil {
			return nil, err
		}
		memberships = append(memberships, grantsync.Membership{Group: group, Member: grantsync.User(name, email)})
	}
	return memberships, rows.Err()
}

func (s *PostgresStorage) WriteEffective(ctx context.Context, permissions []grantsync.EffectivePermission) error {
	return s.replace(ctx, "effective_permissions",
		[]string{"uuid", "pos", "project_key", "repo_slug", "email", "level", "source", "source_principal"},
		len(permissions), func(i int) ([]any, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			permission := permissions[i]
			return []any{id, i, permission.Repo.ProjectKey, permission.Repo.RepoSlug, permission.Email, permission.Level.String(), string(permission.Source), permission.SourcePrincipal}, nil
		})
}

func (s *PostgresStorage) Effective(ctx context.Context) ([]grantsync.EffectivePermission, error) {
	if err := s.written(ctx, "effective_permissions"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT project_key, repo_slug, email, level, source, source_principal FROM effective_permissions ORDER BY pos")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	permissions := []grantsync.EffectivePermission{}
	for rows.Next() {
		var (
			permission grantsync.EffectivePermission
			level      string
			source     string
		)
		if err := rows.Scan(&permission.Repo.ProjectKey, &permission.Repo.RepoSlug, &permission.Email, &level, &source, &permission.SourcePrincipal); err != nil {
			return nil, err
		}
		if permission.Level, err = grantsync.ParseLevel(level); err != nil {
			return nil, err
		}
		permission.Source = grantsync.Source(source)
		permissions = append(permissions, permission)
	}
	return permissions, rows.Err()
}

func (s *PostgresStorage) WriteDiagnostics(ctx context.Context, diagnostics []grantsync.Diagnostic) error {
	return s.replace(ctx, "diagnostics",
		[]string{"uuid", "pos", "kind", "severity", "project_key", "repo_slug", "group_name", "principal"},
		len(diagnostics), func(i int) ([]any, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			diagnostic := diagnostics[i]
			return []any{id, i, string(diagnostic.Kind), string(diagnostic.Severity), diagnostic.Repo.ProjectKey, diagnostic.Repo.RepoSlug, diagnostic.Group, diagnostic.Principal}, nil
		})
}

func (s *PostgresStorage) Diagnostics(ctx context.Context) ([]grantsync.Diagnostic, error) {
	if err := s.written(ctx, "diagnostics"); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "SELECT kind, severity, project_key, repo_slug, group_name, principal FROM diagnostics ORDER BY pos")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	diagnostics := []grantsync.Diagnostic{}
	for rows.Next() {
		var (
			diagnostic grantsync.Diagnostic
			kind       string
			severity   string
		)
		if err := rows.Scan(&kind, &severity, &diagnostic.Repo.ProjectKey, &diagnostic.Repo.RepoSlug, &diagnostic.Group, &diagnostic.Principal); err != nil {
			return nil, err
		}
		diagnostic.Kind = grantsync.DiagnosticKind(kind)
		diagnostic.Severity = grantsync.Severity(severity)
		diagnostics = append(diagnostics, diagnostic)
	}
	return diagnostics, rows.Err()
}

// replace rewrites one collection in a single transaction: delete all,
// bulk-copy the new rows, mark the snapshot written.
func (s *PostgresStorage) replace(ctx context.Context, table string, columns []string, count int, values func(i int) ([]any, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
		return err
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromSlice(count, values)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "INSERT INTO snapshots (collection, written_at) VALUES ($1, now()) ON CONFLICT (collection) DO UPDATE SET written_at = now()", table); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStorage) written(ctx context.Context, collection string) error {
	var one int
	err := s.pool.QueryRow(ctx, "SELECT 1 FROM snapshots WHERE collection=$1", collection).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return grantsync.ErrNotFound
	}
	return err
}
