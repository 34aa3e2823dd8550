package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.Handler) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Token:      "test-token",
		HTTPClient: server.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return server, client
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	_, client := newTestServer(t, handler)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://api.github.com", Token: "t"})
	require.EqualError(t, err, `github: API client requires HTTPS (got "http://api.github.com")`)

	_, err = NewClient(Config{})
	require.ErrorContains(t, err, "no authentication configured")
}

func TestClientHeaders(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		require.Equal(t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))
		fmt.Fprint(w, `{"full_name":"acme/PLAT-billing-api"}`)
	}))

	repository, err := client.Repository(context.Background(), "acme", "PLAT-billing-api")
	require.NoError(t, err)
	require.Equal(t, "acme/PLAT-billing-api", repository.FullName)
}

func TestPutCollaborator(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/repos/acme/PLAT-billing-api/collaborators/alice", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			Permission string `json:"permission"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "push", body.Permission)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.PutCollaborator(context.Background(), "acme", "PLAT-billing-api", "alice", "push")
	require.NoError(t, err)
}

func TestClientAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found","documentation_url":"https://docs.github.com"}`)
	}))

	_, err := client.Repository(context.Background(), "acme", "missing")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
	require.ErrorContains(t, err, "HTTP 404: Not Found")
}

func TestClientRateLimitRetry(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit."}`)
			return
		}
		fmt.Fprint(w, `{"full_name":"acme/repo"}`)
	}))
	slept := []time.Duration{}
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	repository, err := client.Repository(context.Background(), "acme", "repo")
	require.NoError(t, err)
	require.Equal(t, "acme/repo", repository.FullName)
	require.Equal(t, 2, requests)
	require.Equal(t, []time.Duration{2 * time.Second}, slept)
}

func TestClientRateLimitForbidden(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"API rate limit exceeded for installation."}`)
			return
		}
		fmt.Fprint(w, `{"full_name":"acme/repo"}`)
	}))
	client.sleep = func(time.Duration) {}

	_, err := client.Repository(context.Background(), "acme", "repo")
	require.NoError(t, err)
	require.Equal(t, 2, requests)
}

func TestClientRateLimitRetriesOnce(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit."}`)
	}))
	client.sleep = func(time.Duration) {}

	_, err := client.Repository(context.Background(), "acme", "repo")
	require.Error(t, err)
	require.Equal(t, 2, requests)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestClientForbiddenWithoutRateLimitIsNotRetried(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Must have admin rights to Repository."}`)
	}))

	err := client.PutCollaborator(context.Background(), "acme", "repo", "alice", "push")
	require.Error(t, err)
	require.Equal(t, 1, requests)
}

func TestCollaboratorsPagination(t *testing.T) {
	var server *httptest.Server
	server, client := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/repo/collaborators", r.URL.Path)
		switch r.URL.Query().Get("page") {
		case "":
			require.Equal(t, "direct", r.URL.Query().Get("affiliation"))
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/repo/collaborators?page=2>; rel="next", <%s/repos/acme/repo/collaborators?page=2>; rel="last"`, server.URL, server.URL))
			fmt.Fprint(w, `[{"login":"alice","role_name":"admin"},{"login":"bob","role_name":"write"}]`)
		case "2":
			fmt.Fprint(w, `[{"login":"carol","role_name":"read"}]`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))

	collaborators, err := client.Collaborators("acme", "repo").Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Collaborator{
		{Login: "alice", RoleName: "admin"},
		{Login: "bob", RoleName: "write"},
		{Login: "carol", RoleName: "read"},
	}, collaborators)
}

func TestCollaboratorsPaginationRetriesRateLimit(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit."}`)
			return
		}
		fmt.Fprint(w, `[{"login":"alice","role_name":"admin"}]`)
	}))
	slept := []time.Duration{}
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	collaborators, err := client.Collaborators("acme", "repo").Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Collaborator{{Login: "alice", RoleName: "admin"}}, collaborators)
	require.Equal(t, 2, requests)
	require.Equal(t, []time.Duration{time.Second}, slept)
}

func TestPageIteratorNext(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"login":"alice"}]`)
	}))

	iterator := client.Collaborators("acme", "repo")
	items, err := iterator.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	// No Link header on the response, the iterator is drained.
	items, err = iterator.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, items)
}

func TestParseLinkNext(t *testing.T) {
	next := parseLinkNext(`<https://api.github.com/repos/a/b/collaborators?page=2>; rel="next", <https://api.github.com/repos/a/b/collaborators?page=5>; rel="last"`)
	require.Equal(t, "https://api.github.com/repos/a/b/collaborators?page=2", next)

	require.Empty(t, parseLinkNext(""))
	require.Empty(t, parseLinkNext(`<https://api.github.com/x?page=1>; rel="prev"`))
	require.Empty(t, parseLinkNext("garbage"))
}
