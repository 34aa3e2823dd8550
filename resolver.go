package grantsync

import (
	"cmp"
	"fmt"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A Result carries the resolved permissions and every diagnostic
// collected along the way. Effective permissions are sorted by project
// key, repository slug and email, so two runs over the same records are
// byte-comparable.
type Result struct {
	Effective   []EffectivePermission
	Diagnostics []Diagnostic
}

// Resolve computes the single strongest permission per repository and
// user from direct grants, group grants and group memberships.
//
// Emails are the only user identity: they are normalized with
// [NormalizeEmail] before any comparison and usernames are never
// consulted. Group grants join memberships on the exact group name.
// For every (repository, email) pair the highest level wins, at equal
// level a direct grant beats a group grant and remaining ties go to the
// lexicographically first group name. The outcome therefore never
// depends on the order of the input slices.
//
// Resolve holds no state across calls and performs no I/O. Per-row
// problems never fail the run, they are reported as diagnostics in the
// result. The only error signals an internal consistency violation and
// means the output must not be used.
func Resolve(direct []DirectGrant, groups []GroupGrant, memberships []Membership) (*Result, error) {
	diagnostics := []Diagnostic{}

	// Identity normalization. Rows without an email cannot take part in
	// the join and are excluded up front.
	candidates := make([]EffectivePermission, 0, len(direct))
	for _, grant := range direct {
		email := NormalizeEmail(grant.Principal.Email)
		if email == "" {
			diagnostics = append(diagnostics, Diagnostic{
				Kind:      DiagnosticMissingEmail,
				Severity:  SeverityWarning,
				Repo:      grant.Repo,
				Principal: grant.Principal.Name,
			})
			continue
		}
		candidates = append(candidates, EffectivePermission{
			Repo:   grant.Repo,
			Email:  email,
			Level:  grant.Level,
			Source: SourceDirect,
		})
	}

	membersByGroup := map[string][]string{}
	for _, membership := range memberships {
		email := NormalizeEmail(membership.Member.Email)
		if email == "" {
			diagnostics = append(diagnostics, Diagnostic{
				Kind:      DiagnosticMissingEmail,
				Severity:  SeverityWarning,
				Group:     membership.Group,
				Principal: membership.Member.Name,
			})
			continue
		}
		membersByGroup[membership.Group] = append(membersByGroup[membership.Group], email)
	}

	// Group expansion, a plain join of group grants with memberships.
	for _, grant := range groups {
		members := membersByGroup[grant.Group]
		if len(members) == 0 {
			diagnostics = append(diagnostics, Diagnostic{
				Kind:     DiagnosticEmptyGroup,
				Severity: SeverityInfo,
				Repo:     grant.Repo,
				Group:    grant.Group,
			})
			continue
		}
		for _, email := range members {
			candidates = append(candidates, EffectivePermission{
				Repo:            grant.Repo,
				Email:           email,
				Level:           grant.Level,
				Source:          SourceGroup,
				SourcePrincipal: grant.Group,
			})
		}
	}

	// Reduction: the strongest candidate survives per (repository, email).
	grouped := lo.GroupBy(candidates, func(candidate EffectivePermission) repoEmail {
		return repoEmail{candidate.Repo, candidate.Email}
	})
	effective := make([]EffectivePermission, 0, len(grouped))
	for _, group := range grouped {
		effective = append(effective, lo.MaxBy(group, stronger))
	}
	slices.SortFunc(effective, compareEffective)

	if err := verifyUnique(effective); err != nil {
		return nil, err
	}
	diagnostics = append(diagnostics, zeroOutputRepos(direct, groups, effective)...)

	return &Result{Effective: effective, Diagnostics: diagnostics}, nil
}

type repoEmail struct {
	repo  RepoKey
	email string
}

// stronger reports whether candidate a beats candidate b: higher level
// first, then direct over group, then the lexicographically first group
// name.
func stronger(a, b EffectivePermission) bool {
	if a.Level != b.Level {
		return a.Level > b.Level
	}
	if a.Source != b.Source {
		return a.Source == SourceDirect
	}
	return a.SourcePrincipal < b.SourcePrincipal
}

func compareEffective(a, b EffectivePermission) int {
	if c := a.Repo.Compare(b.Repo); c != 0 {
		return c
	}
	return cmp.Compare(a.Email, b.Email)
}

// verifyUnique guards the output contract. The reduction produces one
// row per (repository, email) structurally, so a duplicate here is a
// bug that must fail the run rather than emit ambiguous permissions.
func verifyUnique(effective []EffectivePermission) error {
	seen := make(map[repoEmail]struct{}, len(effective))
	for _, permission := range effective {
		key := repoEmail{permission.Repo, permission.Email}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("internal consistency violation: multiple effective permissions for %s on %s", permission.Email, permission.Repo)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// zeroOutputRepos flags repositories that appear in the input but ended
// up with no effective permissions, usually because every grant on them
// was unresolvable.
func zeroOutputRepos(direct []DirectGrant, groups []GroupGrant, effective []EffectivePermission) []Diagnostic {
	produced := make(map[RepoKey]struct{}, len(effective))
	for _, permission := range effective {
		produced[permission.Repo] = struct{}{}
	}
	inputs := map[RepoKey]struct{}{}
	for _, grant := range direct {
		inputs[grant.Repo] = struct{}{}
	}
	for _, grant := range groups {
		inputs[grant.Repo] = struct{}{}
	}

	repos := maps.Keys(inputs)
	slices.SortFunc(repos, RepoKey.Compare)
	diagnostics := []Diagnostic{}
	for _, repo := range repos {
		if _, ok := produced[repo]; !ok {
			diagnostics = append(diagnostics, Diagnostic{
				Kind:     DiagnosticZeroOutputRepo,
				Severity: SeverityWarning,
				Repo:     repo,
			})
		}
	}
	return diagnostics
}
