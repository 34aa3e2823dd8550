package grantsync

import (
	"cmp"
	"strings"
)

// A RepoKey identifies a repository by project key and repository slug.
// It is the grouping key for everything computed per repository.
type RepoKey struct {
	ProjectKey string `json:"project_key"`
	RepoSlug   string `json:"repo_slug"`
}

func (k RepoKey) String() string {
	return k.ProjectKey + "/" + k.RepoSlug
}

// Compare orders repositories by project key, then slug. The method
// expression RepoKey.Compare is a ready-made comparator for sorting.
func (k RepoKey) Compare(other RepoKey) int {
	if c := cmp.Compare(k.ProjectKey, other.ProjectKey); c != 0 {
		return c
	}
	return cmp.Compare(k.RepoSlug, other.RepoSlug)
}

type PrincipalKind string

const (
	PrincipalUser  PrincipalKind = "user"
	PrincipalGroup PrincipalKind = "group"
)

// A Principal is the holder of a grant, either a user or a group.
// For users the email is the identity key during resolution, the name is
// informational and never used for matching. Groups match by name,
// case-sensitively.
type Principal struct {
	Kind  PrincipalKind `json:"kind"`
	Name  string        `json:"name"`
	Email string        `json:"email,omitempty"`
}

// User returns a user principal.
func User(name, email string) Principal {
	return Principal{Kind: PrincipalUser, Name: name, Email: email}
}

// Group returns a group principal.
func Group(name string) Principal {
	return Principal{Kind: PrincipalGroup, Name: name}
}

// A DirectGrant assigns a level to a single user on a repository.
// The email may be empty when the source system did not expose one, such
// grants cannot be resolved and are reported as diagnostics instead.
type DirectGrant struct {
	Repo      RepoKey   `json:"repo"`
	Principal Principal `json:"principal"`
	Level     Level     `json:"level"`
}

// A GroupGrant assigns a level to every member of a group on a repository.
type GroupGrant struct {
	Repo  RepoKey `json:"repo"`
	Group string  `json:"group"`
	Level Level   `json:"level"`
}

// A Membership states that a user belongs to a group. Users may belong to
// any number of groups.
type Membership struct {
	Group  string    `json:"group"`
	Member Principal `json:"member"`
}

// Source states how an effective permission was won.
type Source string

const (
	SourceDirect Source = "direct"
	SourceGroup  Source = "group"
)

// An EffectivePermission is the single resolved level a user holds on a
// repository, together with the provenance of the winning grant.
// SourcePrincipal names the group for group-won permissions and stays
// empty for direct ones.
type EffectivePermission struct {
	Repo            RepoKey `json:"repo"`
	Email           string  `json:"email"`
	Level           Level   `json:"level"`
	Source          Source  `json:"source"`
	SourcePrincipal string  `json:"source_principal,omitempty"`
}

// NormalizeEmail canonicalizes an email for identity comparison by
// trimming surrounding whitespace and lowercasing. Resolution applies it
// to every email before matching, consumers joining on resolved emails
// must apply it too.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
