package bitbucket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grantsync/grantsync"
)

// fakeBitbucket serves the subset of the REST API the extractor walks.
type fakeBitbucket struct {
	projects       []Project
	repos          map[string][]Repository     // by project key
	userPerms      map[string][]UserPermission // by "KEY/slug"
	groupPerms     map[string][]GroupPermission
	members        map[string][]User // by group name
	users          map[string]User   // by user slug
	failingUsers   map[string]bool   // user slugs whose detail lookup fails
	memberRequests []string
}

func (f *fakeBitbucket) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/1.0/projects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, page{Values: f.projects, IsLastPage: true})
	})
	mux.HandleFunc("/rest/api/1.0/projects/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rest/api/1.0/projects/"), "/")
		switch {
		case len(parts) == 2 && parts[1] == "repos":
			writeJSON(t, w, page{Values: f.repos[parts[0]], IsLastPage: true})
		case len(parts) == 5 && parts[1] == "repos" && parts[3] == "permissions" && parts[4] == "users":
			writeJSON(t, w, page{Values: f.userPerms[parts[0]+"/"+parts[2]], IsLastPage: true})
		case len(parts) == 5 && parts[1] == "repos" && parts[3] == "permissions" && parts[4] == "groups":
			writeJSON(t, w, page{Values: f.groupPerms[parts[0]+"/"+parts[2]], IsLastPage: true})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/rest/api/1.0/admin/groups/more-members", func(w http.ResponseWriter, r *http.Request) {
		group := r.URL.Query().Get("context")
		f.memberRequests = append(f.memberRequests, group)
		writeJSON(t, w, page{Values: f.members[group], IsLastPage: true})
	})
	mux.HandleFunc("/rest/api/1.0/users", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		matches := []User{}
		for _, user := range f.users {
			if strings.Contains(user.Name, filter) || strings.Contains(user.Slug, filter) {
				matches = append(matches, user)
			}
		}
		writeJSON(t, w, page{Values: matches, IsLastPage: true})
	})
	mux.HandleFunc("/rest/api/1.0/users/", func(w http.ResponseWriter, r *http.Request) {
		slug := strings.TrimPrefix(r.URL.Path, "/rest/api/1.0/users/")
		if f.failingUsers[slug] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		user, ok := f.users[slug]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"errors":[{"message":"User %s does not exist."}]}`, slug)
			return
		}
		writeJSON(t, w, user)
	})
	return mux
}

func repoPermissionFixture() *fakeBitbucket {
	return &fakeBitbucket{
		projects: []Project{{Key: "PLAT", Name: "Platform"}},
		repos: map[string][]Repository{
			"PLAT": {{Slug: "billing-api"}, {Slug: "billing-worker"}},
		},
		userPerms: map[string][]UserPermission{
			"PLAT/billing-api": {
				{User: User{Name: "alice", Slug: "alice", EmailAddress: "alice@example.com"}, Permission: "REPO_WRITE"},
			},
		},
		groupPerms: map[string][]GroupPermission{
			"PLAT/billing-api":    {{Group: NamedGroup{Name: "developers"}, Permission: "REPO_ADMIN"}},
			"PLAT/billing-worker": {{Group: NamedGroup{Name: "developers"}, Permission: "REPO_READ"}},
		},
		members: map[string][]User{
			"developers": {
				{Name: "bob", Slug: "bob", EmailAddress: "bob@example.com"},
				{Name: "carol", Slug: "carol", EmailAddress: "carol@example.com"},
			},
		},
		users: map[string]User{},
	}
}

func newTestExtractor(t *testing.T, fake *fakeBitbucket, options ...ExtractorOption) *Extractor {
	t.Helper()
	client := newTestClient(t, fake.handler(t))
	return NewExtractor(client, client.logger, options...)
}

func TestExtract(t *testing.T) {
	fake := repoPermissionFixture()
	extractor := newTestExtractor(t, fake)

	extraction, err := extractor.Extract(context.Background())
	require.NoError(t, err)

	billingAPI := grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-api"}
	billingWorker := grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-worker"}
	require.Equal(t, []grantsync.DirectGrant{
		{Repo: billingAPI, Principal: grantsync.User("alice", "alice@example.com"), Level: grantsync.LevelWrite},
	}, extraction.Direct)
	require.Equal(t, []grantsync.GroupGrant{
		{Repo: billingAPI, Group: "developers", Level: grantsync.LevelAdmin},
		{Repo: billingWorker, Group: "developers", Level: grantsync.LevelRead},
	}, extraction.Groups)
	require.Equal(t, []grantsync.Membership{
		{Group: "developers", Member: grantsync.User("bob", "bob@example.com")},
		{Group: "developers", Member: grantsync.User("carol", "carol@example.com")},
	}, extraction.Memberships)

	// The group is granted on two repositories but its members are
	// fetched once.
	require.Equal(t, []string{"developers"}, fake.memberRequests)
}

func TestExtractBackfillsEmails(t *testing.T) {
	fake := repoPermissionFixture()
	fake.userPerms["PLAT/billing-api"] = []UserPermission{
		{User: User{Name: "alice", Slug: "alice"}, Permission: "REPO_WRITE"},
	}
	fake.members["developers"] = []User{{Name: "bob", Slug: "bob"}}
	fake.users["alice"] = User{Name: "alice", Slug: "alice", EmailAddress: "alice@example.com"}
	fake.users["bob"] = User{Name: "bob", Slug: "bob", EmailAddress: "bob@example.com"}
	extractor := newTestExtractor(t, fake)

	extraction, err := extractor.Extract(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", extraction.Direct[0].Principal.Email)
	require.Equal(t, "bob@example.com", extraction.Memberships[0].Member.Email)
}

func TestExtractLookupFailureDegrades(t *testing.T) {
	fake := repoPermissionFixture()
	fake.userPerms["PLAT/billing-api"] = []UserPermission{
		{User: User{Name: "alice", Slug: "alice"}, Permission: "REPO_WRITE"},
	}
	fake.failingUsers = map[string]bool{"alice": true}
	extractor := newTestExtractor(t, fake)

	extraction, err := extractor.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, extraction.Direct, 1)
	require.Empty(t, extraction.Direct[0].Principal.Email)
}

func TestExtractSkipsUnknownPermissions(t *testing.T) {
	fake := repoPermissionFixture()
	fake.userPerms["PLAT/billing-api"] = append(fake.userPerms["PLAT/billing-api"],
		UserPermission{User: User{Name: "dave", Slug: "dave", EmailAddress: "dave@example.com"}, Permission: "REPO_CREATE"},
	)
	fake.groupPerms["PLAT/billing-api"] = append(fake.groupPerms["PLAT/billing-api"],
		GroupPermission{Group: NamedGroup{Name: "admins"}, Permission: "PROJECT_ADMIN"},
	)
	extractor := newTestExtractor(t, fake)

	extraction, err := extractor.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, extraction.Direct, 1)
	require.Equal(t, "alice", extraction.Direct[0].Principal.Name)
	for _, grant := range extraction.Groups {
		require.Equal(t, "developers", grant.Group)
	}
}

func TestExtractFilters(t *testing.T) {
	fake := repoPermissionFixture()
	fake.projects = append(fake.projects, Project{Key: "OPS", Name: "Operations"})
	fake.repos["OPS"] = []Repository{{Slug: "deploy-tool"}}
	fake.userPerms["OPS/deploy-tool"] = []UserPermission{
		{User: User{Name: "eve", Slug: "eve", EmailAddress: "eve@example.com"}, Permission: "REPO_ADMIN"},
	}

	t.Run("by-project", func(t *testing.T) {
		extractor := newTestExtractor(t, fake, FilterProjects("OPS"))
		extraction, err := extractor.Extract(context.Background())
		require.NoError(t, err)
		require.Len(t, extraction.Direct, 1)
		require.Equal(t, "OPS", extraction.Direct[0].Repo.ProjectKey)
		require.Empty(t, extraction.Groups)
	})

	t.Run("by-repo", func(t *testing.T) {
		extractor := newTestExtractor(t, fake, FilterRepos("billing-worker"))
		extraction, err := extractor.Extract(context.Background())
		require.NoError(t, err)
		require.Empty(t, extraction.Direct)
		require.Equal(t, []grantsync.GroupGrant{
			{Repo: grantsync.RepoKey{ProjectKey: "PLAT", RepoSlug: "billing-worker"}, Group: "developers", Level: grantsync.LevelRead},
		}, extraction.Groups)
	})
}

func TestExtractConcurrent(t *testing.T) {
	fake := repoPermissionFixture()
	for i := 0; i < 20; i++ {
		slug := fmt.Sprintf("repo-%02d", i)
		fake.repos["PLAT"] = append(fake.repos["PLAT"], Repository{Slug: slug})
		fake.userPerms["PLAT/"+slug] = []UserPermission{
			{User: User{Name: "alice", Slug: "alice", EmailAddress: "alice@example.com"}, Permission: "REPO_READ"},
		}
	}
	extractor := newTestExtractor(t, fake, Workers(8))

	extraction, err := extractor.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, extraction.Direct, 21)

	// Concurrent workers must not disturb the deterministic order.
	for i := 1; i < len(extraction.Direct); i++ {
		require.LessOrEqual(t, extraction.Direct[i-1].Repo.Compare(extraction.Direct[i].Repo), 0)
	}
}
