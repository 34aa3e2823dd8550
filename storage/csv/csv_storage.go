// Package csv implements the storage interface on top of plain CSV
// files, one file per collection. The files use the column layout and
// the REPO_READ/REPO_WRITE/REPO_ADMIN level names of Bitbucket
// permission extracts, so snapshots stay diffable and exchangeable with
// spreadsheet tooling.
package csv

import (
	"context"
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grantsync/grantsync"
)

const (
	directGrantsFile = "repo_user_permissions.csv"
	groupGrantsFile  = "repo_group_permissions.csv"
	membershipsFile  = "group_members.csv"
	effectiveFile    = "effective_repo_user_permissions.csv"
	diagnosticsFile  = "diagnostics.csv"
)

var (
	directGrantsHeader = []string{"project_key", "repo_slug", "principal_type", "principal", "email", "permission"}
	groupGrantsHeader  = []string{"project_key", "repo_slug", "principal_type", "principal", "permission"}
	membershipsHeader  = []string{"group", "user", "email"}
	effectiveHeader    = []string{"project_key", "repo_slug", "email", "permission", "source", "source_principal"}
	diagnosticsHeader  = []string{"kind", "severity", "project_key", "repo_slug", "group", "principal"}
)

var levelNames = map[grantsync.Level]string{
	grantsync.LevelRead:  "REPO_READ",
	grantsync.LevelWrite: "REPO_WRITE",
	grantsync.LevelAdmin: "REPO_ADMIN",
}

func levelName(level grantsync.Level) (string, error) {
	name, ok := levelNames[level]
	if !ok {
		return "", fmt.Errorf("invalid permission level %d", int(level))
	}
	return name, nil
}

func parseLevelName(name string) (grantsync.Level, error) {
	for level, n := range levelNames {
		if n == name {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown permission level %q", name)
}

type CSVStorage struct {
	dir string
}

// NewCSVStorage creates a CSV-file backed storage in dir, creating the
// directory if necessary. A collection counts as written once its file
// exists.
func NewCSVStorage(dir string) (*CSVStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &CSVStorage{dir: dir}, nil
}

func (s *CSVStorage) Close() error {
	return nil
}

func (s *CSVStorage) WriteDirectGrants(ctx context.Context, grants []grantsync.DirectGrant) error {
	rows := make([][]string, 0, len(grants))
	for _, grant := range grants {
		level, err := levelName(grant.Level)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			grant.Repo.ProjectKey, grant.Repo.RepoSlug,
			string(grantsync.PrincipalUser), grant.Principal.Name, grant.Principal.Email,
			level,
		})
	}
	return s.writeFile(directGrantsFile, directGrantsHeader, rows)
}

func (s *CSVStorage) DirectGrants(ctx context.Context) ([]grantsync.DirectGrant, error) {
	rows, err := s.readFile(directGrantsFile, directGrantsHeader)
	if err != nil {
		return nil, err
	}
	grants := make([]grantsync.DirectGrant, 0, len(rows))
	for i, row := range rows {
		if row[2] != string(grantsync.PrincipalUser) {
			return nil, rowError(directGrantsFile, i, fmt.Errorf("unexpected principal type %q", row[2]))
		}
		level, err := parseLevelName(row[5])
		if err != nil {
			return nil, rowError(directGrantsFile, i, err)
		}
		grants = append(grants, grantsync.DirectGrant{
			Repo:      grantsync.RepoKey{ProjectKey: row[0], RepoSlug: row[1]},
			Principal: grantsync.User(row[3], row[4]),
			Level:     level,
		})
	}
	return grants, nil
}

func (s *CSVStorage) WriteGroupGrants(ctx context.Context, grants []grantsync.GroupGrant) error {
	rows := make([][]string, 0, len(grants))
	for _, grant := range grants {
		level, err := levelName(grant.Level)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			grant.Repo.ProjectKey, grant.Repo.RepoSlug,
			string(grantsync.PrincipalGroup), grant.Group,
			level,
		})
	}
	return s.writeFile(groupGrantsFile, groupGrantsHeader, rows)
}

func (s *CSVStorage) GroupGrants(ctx context.Context) ([]grantsync.GroupGrant, error) {
	rows, err := s.readFile(groupGrantsFile, groupGrantsHeader)
	if err != nil {
		return nil, err
	}
	grants := make([]grantsync.GroupGrant, 0, len(rows))
	for i, row := range rows {
		if row[2] != string(grantsync.PrincipalGroup) {
			return nil, rowError(groupGrantsFile, i, fmt.Errorf("unexpected principal type %q", row[2]))
		}
		level, err := parseLevelName(row[4])
		if err != nil {
			return nil, rowError(groupGrantsFile, i, err)
		}
		grants = append(grants, grantsync.GroupGrant{
			Repo:  grantsync.RepoKey{ProjectKey: row[0], RepoSlug: row[1]},
			Group: row[3],
			Level: level,
		})
	}
	return grants, nil
}

func (s *CSVStorage) WriteMemberships(ctx context.Context, memberships []grantsync.Membership) error {
	rows := make([][]string, 0, len(memberships))
	for _, membership := range memberships {
		rows = append(rows, []string{membership.Group, membership.Member.Name, membership.Member.Email})
	}
	return s.writeFile(membershipsFile, membershipsHeader, rows)
}

func (s *CSVStorage) Memberships(ctx context.Context) ([]grantsync.Membership, error) {
	rows, err := s.readFile(membershipsFile, membershipsHeader)
	if err != nil {
		return nil, err
	}
	memberships := make([]grantsync.Membership, 0, len(rows))
	for _, row := range rows {
		memberships = append(memberships, grantsync.Membership{
			Group:  row[0],
			Member: grantsync.User(row[1], row[2]),
		})
	}
	return memberships, nil
}

func (s *CSVStorage) WriteEffective(ctx context.Context, permissions []grantsync.EffectivePermission) error {
	rows := make([][]string, 0, len(permissions))
	for _, permission := range permissions {
		level, err := levelName(permission.Level)
		if err != nil {
			return err
		}
		rows = append(rows, []string{
			permission.Repo.ProjectKey, permission.Repo.RepoSlug,
			permission.Email, level,
			string(permission.Source), permission.SourcePrincipal,
		})
	}
	return s.writeFile(effectiveFile, effectiveHeader, rows)
}

func (s *CSVStorage) Effective(ctx context.Context) ([]grantsync.EffectivePermission, error) {
	rows, err := s.readFile(effectiveFile, effectiveHeader)
	if err != nil {
		return nil, err
	}
	permissions := make([]grantsync.EffectivePermission, 0, len(rows))
	for i, row := range rows {
		level, err := parseLevelName(row[3])
		if err != nil {
			return nil, rowError(effectiveFile, i, err)
		}
		source := grantsync.Source(row[4])
		if source != grantsync.SourceDirect && source != grantsync.SourceGroup {
			return nil, rowError(effectiveFile, i, fmt.Errorf("unknown source %q", row[4]))
		}
		permissions = append(permissions, grantsync.EffectivePermission{
			Repo:            grantsync.RepoKey{ProjectKey: row[0], RepoSlug: row[1]},
			Email:           row[2],
			Level:           level,
			Source:          source,
			SourcePrincipal: row[5],
		})
	}
	return permissions, nil
}

func (s *CSVStorage) WriteDiagnostics(ctx context.Context, diagnostics []grantsync.Diagnostic) error {
	rows := make([][]string, 0, len(diagnostics))
	for _, diagnostic := range diagnostics {
		rows = append(rows, []string{
			string(diagnostic.Kind), string(diagnostic.Severity),
			diagnostic.Repo.ProjectKey, diagnostic.Repo.RepoSlug,
			diagnostic.Group, diagnostic.Principal,
		})
	}
	return s.writeFile(diagnosticsFile, diagnosticsHeader, rows)
}

func (s *CSVStorage) Diagnostics(ctx context.Context) ([]grantsync.Diagnostic, error) {
	rows, err := s.readFile(diagnosticsFile, diagnosticsHeader)
	if err != nil {
		return nil, err
	}
	diagnostics := make([]grantsync.Diagnostic, 0, len(rows))
	for _, row := range rows {
		diagnostics = append(diagnostics, grantsync.Diagnostic{
			Kind:      grantsync.DiagnosticKind(row[0]),
			Severity:  grantsync.Severity(row[1]),
			Repo:      grantsync.RepoKey{ProjectKey: row[2], RepoSlug: row[3]},
			Group:     row[4],
			Principal: row[5],
		})
	}
	return diagnostics, nil
}

func (s *CSVStorage) writeFile(name string, header []string, rows [][]string) error {
	file, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	writer := stdcsv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			file.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return file.Close()
}

// readFile returns the data rows of a collection file. A missing file
// means the collection was never written. Malformed rows, a wrong
// header and unknown enum values are hard errors: a snapshot that
// cannot be read back losslessly must not silently shrink.
func (s *CSVStorage) readFile(name string, header []string) ([][]string, error) {
	file, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, grantsync.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	defer file.Close()

	reader := stdcsv.NewReader(file)
	reader.FieldsPerRecord = len(header)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("reading %s: missing header", name)
	}
	for i, column := range records[0] {
		if column != header[i] {
			return nil, fmt.Errorf("reading %s: unexpected header %v", name, records[0])
		}
	}
	return records[1:], nil
}

func rowError(name string, row int, err error) error {
	// Account for the header line when pointing at a file line.
	return fmt.Errorf("reading %s line %d: %w", name, row+2, err)
}
