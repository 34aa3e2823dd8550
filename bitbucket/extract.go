package bitbucket

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/grantsync/grantsync"
)

// levels maps Bitbucket's repository permission names to levels.
// Project and global permissions do not appear on the repository
// permission endpoints and are intentionally absent.
var levels = map[string]grantsync.Level{
	"REPO_READ":  grantsync.LevelRead,
	"REPO_WRITE": grantsync.LevelWrite,
	"REPO_ADMIN": grantsync.LevelAdmin,
}

type ExtractorOption interface {
	do(*extractorConfig)
}

type extractorConfig struct {
	projects []string
	repos    []string
	workers  int
}

type extractorFunctionAdapter func(*extractorConfig)

func (fn extractorFunctionAdapter) do(c *extractorConfig) {
	fn(c)
}

// FilterProjects restricts extraction to the given project keys.
func FilterProjects(keys ...string) ExtractorOption {
	return extractorFunctionAdapter(func(c *extractorConfig) { c.projects = append(c.projects, keys...) })
}

// FilterRepos restricts extraction to the given repository slugs.
func FilterRepos(slugs ...string) ExtractorOption {
	return extractorFunctionAdapter(func(c *extractorConfig) { c.repos = append(c.repos, slugs...) })
}

// Workers sets how many repositories are walked concurrently.
func Workers(n int) ExtractorOption {
	return extractorFunctionAdapter(func(c *extractorConfig) { c.workers = n })
}

// Extractor walks a Bitbucket instance and collects the raw inputs of
// permission resolution. Repositories are visited concurrently, group
// memberships are fetched once per distinct group afterwards.
type Extractor struct {
	client   *Client
	logger   *slog.Logger
	projects []string
	repos    []string
	workers  int
}

func NewExtractor(client *Client, logger *slog.Logger, options ...ExtractorOption) *Extractor {
	opts := extractorConfig{workers: 4}
	lo.ForEach(options, func(option ExtractorOption, _ int) {
		option.do(&opts)
	})
	if opts.workers < 1 {
		opts.workers = 1
	}
	return &Extractor{
		client:   client,
		logger:   logger,
		projects: opts.projects,
		repos:    opts.repos,
		workers:  opts.workers,
	}
}

// Extraction is the raw permission state of an instance: who holds
// explicit grants and who belongs to the granted groups. The slices are
// sorted and safe to write to storage directly.
type Extraction struct {
	Direct      []grantsync.DirectGrant
	Groups      []grantsync.GroupGrant
	Memberships []grantsync.Membership
}

type repoRef struct {
	projectKey string
	repoSlug   string
}

// Extract walks all matching repositories and returns their direct and
// group grants together with the memberships of every granted group.
func (e *Extractor) Extract(ctx context.Context) (*Extraction, error) {
	projects, err := e.client.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	if len(e.projects) > 0 {
		projects = lo.Filter(projects, func(p Project, _ int) bool {
			return lo.Contains(e.projects, p.Key)
		})
	}
	e.logger.Info("extracting projects", "count", len(projects))

	refs := []repoRef{}
	for _, project := range projects {
		repos, err := e.client.Repositories(ctx, project.Key)
		if err != nil {
			return nil, fmt.Errorf("listing repositories of %s: %w", project.Key, err)
		}
		for _, repo := range repos {
			if len(e.repos) > 0 && !lo.Contains(e.repos, repo.Slug) {
				continue
			}
			refs = append(refs, repoRef{projectKey: project.Key, repoSlug: repo.Slug})
		}
	}
	e.logger.Info("extracting repositories", "count", len(refs), "workers", e.workers)

	extraction := &Extraction{}
	var mutex sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)
	for _, ref := range refs {
		ref := ref
		group.Go(func() error {
			direct, groups, err := e.extractRepo(groupCtx, ref)
			if err != nil {
				return err
			}
			mutex.Lock()
			defer mutex.Unlock()
			extraction.Direct = append(extraction.Direct, direct...)
			extraction.Groups = append(extraction.Groups, groups...)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	memberships, err := e.extractMemberships(ctx, extraction.Groups)
	if err != nil {
		return nil, err
	}
	extraction.Memberships = memberships

	sortExtraction(extraction)
	return extraction, nil
}

func (e *Extractor) extractRepo(ctx context.Context, ref repoRef) ([]grantsync.DirectGrant, []grantsync.GroupGrant, error) {
	repo := grantsync.RepoKey{ProjectKey: ref.projectKey, RepoSlug: ref.repoSlug}
	log := e.logger.With("repo", repo.String())

	userPermissions, err := e.client.UserPermissions(ctx, ref.projectKey, ref.repoSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("listing user permissions of %s: %w", repo, err)
	}
	direct := []grantsync.DirectGrant{}
	for _, permission := range userPermissions {
		level, ok := levels[permission.Permission]
		if !ok {
			log.Warn("skipping unknown permission", "permission", permission.Permission, "user", userName(permission.User))
			continue
		}
		email := permission.User.EmailAddress
		if email == "" {
			email = e.lookupEmail(ctx, userName(permission.User))
		}
		direct = append(direct, grantsync.DirectGrant{
			Repo:      repo,
			Principal: grantsync.User(userName(permission.User), email),
			Level:     level,
		})
	}

	groupPermissions, err := e.client.GroupPermissions(ctx, ref.projectKey, ref.repoSlug)
	if err != nil {
		return nil, nil, fmt.Errorf("listing group permissions of %s: %w", repo, err)
	}
	groups := []grantsync.GroupGrant{}
	for _, permission := range groupPermissions {
		level, ok := levels[permission.Permission]
		if !ok {
			log.Warn("skipping unknown permission", "permission", permission.Permission, "group", permission.Group.Name)
			continue
		}
		groups = append(groups, grantsync.GroupGrant{
			Repo:  repo,
			Group: permission.Group.Name,
			Level: level,
		})
	}
	return direct, groups, nil
}

// extractMemberships fetches the member list of every distinct granted
// group. Group names are matched exactly as Bitbucket reports them.
func (e *Extractor) extractMemberships(ctx context.Context, groups []grantsync.GroupGrant) ([]grantsync.Membership, error) {
	distinct := map[string]struct{}{}
	for _, grant := range groups {
		distinct[grant.Group] = struct{}{}
	}
	names := maps.Keys(distinct)
	slices.Sort(names)
	e.logger.Info("extracting group memberships", "groups", len(names))

	memberships := []grantsync.Membership{}
	for _, name := range names {
		members, err := e.client.GroupMembers(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("listing members of group %q: %w", name, err)
		}
		for _, member := range members {
			email := member.EmailAddress
			if email == "" {
				email = e.lookupEmail(ctx, userName(member))
			}
			memberships = append(memberships, grantsync.Membership{
				Group:  name,
				Member: grantsync.User(userName(member), email),
			})
		}
	}
	return memberships, nil
}

// lookupEmail fetches full user details for users whose permission or
// membership entries came without an email address. Failures degrade to
// an empty email, which resolution reports as a skipped principal.
func (e *Extractor) lookupEmail(ctx context.Context, name string) string {
	user, err := e.client.UserDetails(ctx, name)
	if err != nil {
		e.logger.Warn("unable to fetch user details", "user", name, "error", err)
		return ""
	}
	if user == nil {
		return ""
	}
	return user.EmailAddress
}

func userName(user User) string {
	if user.Name != "" {
		return user.Name
	}
	return user.Slug
}

// sortExtraction makes the output deterministic regardless of the
// order repositories were walked in.
func sortExtraction(extraction *Extraction) {
	slices.SortFunc(extraction.Direct, func(a, b grantsync.DirectGrant) int {
		if c := a.Repo.Compare(b.Repo); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Principal.Email, b.Principal.Email); c != 0 {
			return c
		}
		return cmp.Compare(a.Principal.Name, b.Principal.Name)
	})
	slices.SortFunc(extraction.Groups, func(a, b grantsync.GroupGrant) int {
		if c := a.Repo.Compare(b.Repo); c != 0 {
			return c
		}
		return cmp.Compare(a.Group, b.Group)
	})
	slices.SortFunc(extraction.Memberships, func(a, b grantsync.Membership) int {
		if c := cmp.Compare(a.Group, b.Group); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Member.Email, b.Member.Email); c != 0 {
			return c
		}
		return cmp.Compare(a.Member.Name, b.Member.Name)
	})
}
