package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// PageIterator lazily fetches pages from a paginated endpoint, following
// the Link headers GitHub answers with. Not safe for concurrent use.
type PageIterator[T any] struct {
	client  *Client
	nextURL string
	done    bool
}

// Next fetches the next page and returns its items. Returns nil, nil
// once all pages have been consumed. Rate limited pages are retried
// the same way as every other request.
func (it *PageIterator[T]) Next(ctx context.Context) ([]T, error) {
	if it.done || it.nextURL == "" {
		return nil, nil
	}

	body, header, err := it.client.doWithRetry(ctx, http.MethodGet, it.nextURL, nil, false)
	if err != nil {
		return nil, err
	}

	var items []T
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("github: decoding page: %w", err)
	}

	it.nextURL = parseLinkNext(header.Get("Link"))
	if it.nextURL == "" {
		it.done = true
	}
	return items, nil
}

// Collect drains the iterator and returns all items concatenated.
func (it *PageIterator[T]) Collect(ctx context.Context) ([]T, error) {
	all := []T{}
	for {
		items, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if items == nil {
			return all, nil
		}
		all = append(all, items...)
	}
}

// parseLinkNext extracts the rel="next" URL from an RFC 5988 Link
// header, for example:
//
//	<https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		urlPart := strings.TrimSpace(segments[0])
		if strings.HasPrefix(urlPart, "<") && strings.HasSuffix(urlPart, ">") {
			return urlPart[1 : len(urlPart)-1]
		}
	}
	return ""
}
