// Package bitbucket extracts repository grants and group memberships
// from a Bitbucket Data Center instance over its v1.0 REST API.
package bitbucket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPageSize = 100

// Config holds configuration for creating a Client.
//
// Exactly one authentication mode must be configured: a personal access
// token, or username and password for basic auth.
type Config struct {
	// BaseURL is the root URL of the Bitbucket instance, for example
	// "https://bitbucket.example.com". Required.
	BaseURL string

	// Token is a personal access token, sent as bearer token.
	Token string

	// Username and Password authenticate with basic auth when no
	// token is configured.
	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate verification, for
	// instances behind self-signed certificates.
	InsecureSkipVerify bool

	// Throttle is slept before every request to stay below the
	// instance's rate limits. Zero means no delay.
	Throttle time.Duration

	// PageSize overrides the page size requested from listing
	// endpoints. Defaults to 100.
	PageSize int

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient, or a verification-skipping client when
	// InsecureSkipVerify is set.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a typed Bitbucket Data Center REST client covering the
// endpoints needed for permission extraction. Listing methods drain
// Bitbucket's start/limit pagination envelope transparently.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	username   string
	password   string
	throttle   time.Duration
	pageSize   int
	logger     *slog.Logger
	sleep      func(time.Duration)
}

func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bitbucket: base URL is required")
	}
	hasToken := config.Token != ""
	hasBasic := config.Username != "" || config.Password != ""
	if hasToken && hasBasic {
		return nil, fmt.Errorf("bitbucket: cannot configure both token and basic auth")
	}
	if !hasToken && (config.Username == "" || config.Password == "") {
		return nil, fmt.Errorf("bitbucket: no authentication configured (set a token or username and password)")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
		if config.InsecureSkipVerify {
			httpClient = &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				},
			}
		}
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      config.Token,
		username:   config.Username,
		password:   config.Password,
		throttle:   config.Throttle,
		pageSize:   pageSize,
		logger:     logger,
		sleep:      time.Sleep,
	}, nil
}

// Wire types, a subset of the v1.0 payloads.

type Project struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type Repository struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type User struct {
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type UserPermission struct {
	User       User   `json:"user"`
	Permission string `json:"permission"`
}

type NamedGroup struct {
	Name string `json:"name"`
}

type GroupPermission struct {
	Group      NamedGroup `json:"group"`
	Permission string     `json:"permission"`
}

// Projects lists all projects visible to the configured credentials.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	return listAll[Project](ctx, c, "/rest/api/1.0/projects", nil)
}

// Repositories lists the repositories of a project.
func (c *Client) Repositories(ctx context.Context, projectKey string) ([]Repository, error) {
	return listAll[Repository](ctx, c, "/rest/api/1.0/projects/"+url.PathEscape(projectKey)+"/repos", nil)
}

// UserPermissions lists the users holding an explicit permission on a
// repository.
func (c *Client) UserPermissions(ctx context.Context, projectKey, repoSlug string) ([]UserPermission, error) {
	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/permissions/users", url.PathEscape(projectKey), url.PathEscape(repoSlug))
	return listAll[UserPermission](ctx, c, path, nil)
}

// GroupPermissions lists the groups holding an explicit permission on a
// repository.
func (c *Client) GroupPermissions(ctx context.Context, projectKey, repoSlug string) ([]GroupPermission, error) {
	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/permissions/groups", url.PathEscape(projectKey), url.PathEscape(repoSlug))
	return listAll[GroupPermission](ctx, c, path, nil)
}

// GroupMembers lists the members of a group via the admin API.
func (c *Client) GroupMembers(ctx context.Context, group string) ([]User, error) {
	query := url.Values{}
	query.Set("context", group)
	return listAll[User](ctx, c, "/rest/api/1.0/admin/groups/more-members", query)
}

// UserDetails looks up a user by slug or name, falling back to a
// filtered search when the direct lookup answers 404. Returns nil when
// the user cannot be found either way.
func (c *Client) UserDetails(ctx context.Context, slugOrName string) (*User, error) {
	var user User
	err := c.get(ctx, "/rest/api/1.0/users/"+url.PathEscape(slugOrName), nil, &user)
	if err == nil {
		return &user, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	query := url.Values{}
	query.Set("filter", slugOrName)
	users, err := listAll[User](ctx, c, "/rest/api/1.0/users", query)
	if err != nil {
		return nil, err
	}
	for _, candidate := range users {
		if candidate.Name == slugOrName || candidate.Slug == slugOrName {
			return &candidate, nil
		}
	}
	return nil, nil
}

// listAll drains a paginated listing endpoint. Bitbucket's envelope
// carries isLastPage and nextPageStart; some endpoints omit
// nextPageStart, then the next offset is derived from the number of
// values seen so far.
func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	all := []T{}
	start := 0
	for {
		pageQuery := url.Values{}
		for key, values := range query {
			pageQuery[key] = values
		}
		pageQuery.Set("limit", strconv.Itoa(c.pageSize))
		pageQuery.Set("start", strconv.Itoa(start))

		var page struct {
			Values        []T  `json:"values"`
			IsLastPage    bool `json:"isLastPage"`
			NextPageStart *int `json:"nextPageStart"`
		}
		if err := c.get(ctx, path, pageQuery, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Values...)
		if page.IsLastPage || len(page.Values) == 0 {
			return all, nil
		}
		if page.NextPageStart != nil {
			start = *page.NextPageStart
		} else {
			start += len(page.Values)
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	if c.throttle > 0 {
		c.sleep(c.throttle)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("bitbucket: creating request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		request.SetBasicAuth(c.username, c.password)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("bitbucket: GET %s: %w", requestURL, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("bitbucket: reading response body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("bitbucket: decoding response: %w", err)
	}
	return nil
}

// APIError is an error response from the Bitbucket API.
type APIError struct {
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("bitbucket: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether an error is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	var wire struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &wire) == nil && len(wire.Errors) > 0 && wire.Errors[0].Message != "" {
		apiErr.Message = wire.Errors[0].Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
