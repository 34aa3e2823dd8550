package github

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/grantsync/grantsync"
)

// githubPermissions maps levels to the permission names the
// collaborator API accepts.
var githubPermissions = map[grantsync.Level]string{
	grantsync.LevelRead:  "pull",
	grantsync.LevelWrite: "push",
	grantsync.LevelAdmin: "admin",
}

// normalizePermission folds the role names GitHub reports for existing
// collaborators onto the names the grant API accepts, so current and
// desired state compare equal. Custom role names pass through and never
// compare equal to a desired permission.
func normalizePermission(permission string) string {
	switch permission {
	case "write":
		return "push"
	case "read":
		return "pull"
	}
	return permission
}

// TargetRepo names the GitHub repository a Bitbucket repository
// migrates to: the project key and slug joined with a dash, so slugs
// that repeat across projects stay distinct within one organization.
func TargetRepo(repo grantsync.RepoKey) string {
	return fmt.Sprintf("%s-%s", repo.ProjectKey, repo.RepoSlug)
}

// ApplierConfig holds configuration for creating an Applier.
type ApplierConfig struct {
	// Org is the organization owning the target repositories. Required.
	Org string

	// Mapping translates emails to GitHub logins. Permissions of
	// unmapped emails are skipped and counted.
	Mapping Mapping

	// DefaultLogin, when set, receives the grants of unmapped emails.
	// Useful to hand orphaned repositories to a migration account.
	DefaultLogin string

	// DryRun logs every grant that would happen without calling the
	// grant API. Read-only calls still happen.
	DryRun bool

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Applier pushes effective permissions to GitHub, repository by
// repository. Existing collaborator roles are fetched once per
// repository and already-correct grants are skipped, so a second run
// over the same input is a no-op.
type Applier struct {
	client       *Client
	org          string
	mapping      Mapping
	defaultLogin string
	dryRun       bool
	logger       *slog.Logger
}

func NewApplier(client *Client, config ApplierConfig) (*Applier, error) {
	if config.Org == "" {
		return nil, fmt.Errorf("github: organization is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		client:       client,
		org:          config.Org,
		mapping:      config.Mapping,
		defaultLogin: config.DefaultLogin,
		dryRun:       config.DryRun,
		logger:       logger,
	}, nil
}

// Report counts the outcome per permission row.
type Report struct {
	// Granted counts grants sent to GitHub, or logged in dry-run mode.
	Granted int
	// Skipped counts grants the collaborator already holds.
	Skipped int
	// Unmapped counts permissions whose email has no login mapping.
	Unmapped int
	// Failed counts permissions that could not be applied.
	Failed int
}

// Apply pushes the given permissions to GitHub. Failures are counted
// and logged per row, they never abort the run. The returned error is
// non-nil only when the context was cancelled, the report is valid
// either way.
func (a *Applier) Apply(ctx context.Context, permissions []grantsync.EffectivePermission) (*Report, error) {
	grouped := lo.GroupBy(permissions, func(permission grantsync.EffectivePermission) grantsync.RepoKey {
		return permission.Repo
	})
	repos := maps.Keys(grouped)
	slices.SortFunc(repos, grantsync.RepoKey.Compare)

	report := &Report{}
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entries := grouped[repo]
		name := TargetRepo(repo)
		log := a.logger.With("owner", a.org, "repo", name)

		if _, err := a.client.Repository(ctx, a.org, name); err != nil {
			log.Error("cannot access repository", "error", err)
			report.Failed += len(entries)
			continue
		}
		collaborators, err := a.client.Collaborators(a.org, name).Collect(ctx)
		if err != nil {
			log.Error("cannot list collaborators", "error", err)
			report.Failed += len(entries)
			continue
		}
		current := make(map[string]string, len(collaborators))
		for _, collaborator := range collaborators {
			current[collaborator.Login] = normalizePermission(collaborator.RoleName)
		}

		for _, entry := range entries {
			a.applyEntry(ctx, log, report, name, current, entry)
		}
	}
	return report, nil
}

func (a *Applier) applyEntry(ctx context.Context, log *slog.Logger, report *Report, repoName string, current map[string]string, entry grantsync.EffectivePermission) {
	permission, ok := githubPermissions[entry.Level]
	if !ok {
		log.Warn("skipping invalid level", "level", int(entry.Level), "email", entry.Email)
		report.Failed++
		return
	}

	login, ok := a.mapping[entry.Email]
	if !ok {
		if a.defaultLogin == "" {
			log.Warn("no login mapping", "email", entry.Email)
			report.Unmapped++
			return
		}
		login = a.defaultLogin
		log.Warn("no login mapping, granting to default", "email", entry.Email, "login", login)
	}

	if current[login] == permission {
		log.Info("already granted", "login", login, "permission", permission)
		report.Skipped++
		return
	}
	if a.dryRun {
		log.Info("dry-run: would grant", "login", login, "permission", permission, "email", entry.Email)
		// Later entries see the new role, which matters when several
		// unmapped emails share the default login.
		current[login] = permission
		report.Granted++
		return
	}
	if err := a.client.PutCollaborator(ctx, a.org, repoName, login, permission); err != nil {
		log.Error("granting failed", "login", login, "permission", permission, "error", err)
		report.Failed++
		return
	}
	log.Info("granted", "login", login, "permission", permission, "email", entry.Email)
	current[login] = permission
	report.Granted++
}
