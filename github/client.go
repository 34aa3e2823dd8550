// Package github applies resolved permissions to GitHub repositories
// through the collaborator REST API.
package github

import (
	"bytes"
	"context"
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

// githubAPIVersion pins the REST API version header so behavior stays
// consistent as GitHub evolves the API.
const githubAPIVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Must use HTTPS.
	BaseURL string

	// Token is a personal access token or fine-grained token. Required.
	Token string

	// HTTPClient is used for all HTTP requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a typed GitHub REST client covering the repository and
// collaborator endpoints needed to apply permissions. Rate limited
// requests are retried once after the backoff GitHub asks for.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
	sleep      func(time.Duration)
}

func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if config.Token == "" {
		return nil, fmt.Errorf("github: no authentication configured (set a token)")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      config.Token,
		logger:     logger,
		sleep:      time.Sleep,
	}, nil
}

// Repository is the subset of the repository payload the applier needs.
type Repository struct {
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// Collaborator is a user with direct access to a repository. RoleName
// carries GitHub's permission name, which for the built-in roles is
// "read", "write", "admin", "triage" or "maintain".
type Collaborator struct {
	Login    string `json:"login"`
	RoleName string `json:"role_name"`
}

// Repository fetches a repository, primarily to verify it exists and is
// accessible with the configured token.
func (c *Client) Repository(ctx context.Context, owner, repo string) (*Repository, error) {
	var repository Repository
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	if err := c.get(ctx, path, &repository); err != nil {
		return nil, err
	}
	return &repository, nil
}

// Collaborators lists the users with direct access to a repository,
// excluding access inherited from organization membership or teams.
func (c *Client) Collaborators(owner, repo string) *PageIterator[Collaborator] {
	path := fmt.Sprintf("/repos/%s/%s/collaborators?affiliation=direct&per_page=100", url.PathEscape(owner), url.PathEscape(repo))
	return &PageIterator[Collaborator]{client: c, nextURL: c.baseURL + path}
}

// PutCollaborator grants a permission to a user on a repository. GitHub
// answers 201 when an invitation was created and 204 when access was
// granted or updated directly, both count as success.
func (c *Client) PutCollaborator(ctx context.Context, owner, repo, username, permission string) error {
	path := fmt.Sprintf("/repos/%s/%s/collaborators/%s", url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(username))
	requestBody := struct {
		Permission string `json:"permission"`
	}{Permission: permission}
	_, err := c.do(ctx, http.MethodPut, path, requestBody)
	return err
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

// do executes an authenticated request against a path relative to the
// base URL and returns the response body. Rate limited responses are
// retried once after the backoff from the response headers.
func (c *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	body, _, err := c.doWithRetry(ctx, method, c.baseURL+path, requestBody, false)
	return body, err
}

// doWithRetry takes a full request URL and also returns the response
// headers, so the page iterator shares the retry behavior and can still
// read the Link header.
func (c *Client) doWithRetry(ctx context.Context, method, requestURL string, requestBody any, isRetry bool) ([]byte, http.Header, error) {
	response, err := c.doRaw(ctx, method, requestURL, requestBody)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("github: reading response body: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		// Retry once to avoid looping on persistent rate limiting.
		if !isRetry && isRateLimited(response.StatusCode, string(body)) {
			if backoff := retryAfter(response.Header); backoff > 0 {
				c.logger.Info("rate limited, backing off", "duration", backoff, "method", method, "url", requestURL)
				c.sleep(backoff)
				if err := ctx.Err(); err != nil {
					return nil, nil, err
				}
				return c.doWithRetry(ctx, method, requestURL, requestBody, true)
			}
		}
		return nil, nil, parseAPIError(response.StatusCode, body)
	}
	return body, response.Header, nil
}

// doRaw executes a single request without retry or response parsing.
func (c *Client) doRaw(ctx context.Context, method, requestURL string, requestBody any) (*http.Response, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, requestURL, err)
	}
	return response, nil
}

// APIError represents a non-2xx response from the GitHub REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a GitHub API 404 Not Found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	var wire struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
		apiErr.Message = wire.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// isRateLimited recognizes rate limit responses. GitHub answers 429 for
// secondary (abuse) rate limits and 403 with a recognizable message for
// the primary one.
func isRateLimited(statusCode int, body string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode != http.StatusForbidden {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
}

// retryAfter computes the backoff from a rate limited response. The
// Retry-After header (seconds) takes precedence, then the
// X-RateLimit-Reset timestamp. Returns zero when neither is usable.
func retryAfter(header http.Header) time.Duration {
	if retryStr := header.Get("Retry-After"); retryStr != "" {
		if seconds, err := strconv.Atoi(retryStr); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if resetStr := header.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetUnix, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			if duration := time.Until(time.Unix(resetUnix, 0)); duration > 0 {
				return duration
			}
		}
	}
	return 0
}
