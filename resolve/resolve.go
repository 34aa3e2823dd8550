// Package resolve runs permission resolution over the extracted grants
// in storage and persists the outcome.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/grantsync/grantsync"
)

// Run reads direct grants, group grants and memberships from storage,
// resolves them and writes the effective permissions and diagnostics
// back. With dryRun set, the outcome is logged but nothing is written.
func Run(ctx context.Context, store grantsync.Storage, log *slog.Logger, dryRun bool) (*grantsync.Result, error) {
	direct, err := store.DirectGrants(ctx)
	if err != nil {
		return nil, readError("direct grants", err)
	}
	groups, err := store.GroupGrants(ctx)
	if err != nil {
		return nil, readError("group grants", err)
	}
	memberships, err := store.Memberships(ctx)
	if err != nil {
		return nil, readError("memberships", err)
	}

	result, err := grantsync.Resolve(direct, groups, memberships)
	if err != nil {
		return nil, err
	}
	for _, diagnostic := range result.Diagnostics {
		logDiagnostic(log, diagnostic)
	}
	log.Info("resolution complete",
		"direct_grants", len(direct),
		"group_grants", len(groups),
		"memberships", len(memberships),
		"effective", len(result.Effective),
		"diagnostics", len(result.Diagnostics),
	)
	if dryRun {
		return result, nil
	}

	if err := store.WriteEffective(ctx, result.Effective); err != nil {
		return nil, fmt.Errorf("writing effective permissions: %w", err)
	}
	if err := store.WriteDiagnostics(ctx, result.Diagnostics); err != nil {
		return nil, fmt.Errorf("writing diagnostics: %w", err)
	}
	return result, nil
}

func readError(what string, err error) error {
	if errors.Is(err, grantsync.ErrNotFound) {
		return fmt.Errorf("reading %s (run extract first): %w", what, err)
	}
	return fmt.Errorf("reading %s: %w", what, err)
}

func logDiagnostic(log *slog.Logger, diagnostic grantsync.Diagnostic) {
	attrs := []any{"kind", string(diagnostic.Kind)}
	if diagnostic.Repo != (grantsync.RepoKey{}) {
		attrs = append(attrs, "repo", diagnostic.Repo.String())
	}
	if diagnostic.Group != "" {
		attrs = append(attrs, "group", diagnostic.Group)
	}
	if diagnostic.Principal != "" {
		attrs = append(attrs, "principal", diagnostic.Principal)
	}
	if diagnostic.Severity == grantsync.SeverityWarning {
		log.Warn("resolution diagnostic", attrs...)
		return
	}
	log.Info("resolution diagnostic", attrs...)
}
