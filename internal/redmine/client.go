// Package redmine talks to the project tracker that holds issue budgets and tags.
package redmine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// APIKeyHeader carries the caller's tracker key on every request.
const APIKeyHeader = "X-Redmine-API-Key"

// DefaultUserAgent is sent when fetching rendered issue pages; the billing
// block is only rendered for browser clients.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/104.0.5112.102 Safari/537.36"

// StatusError is returned for any non-200 tracker response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("redmine: %s returned status %d", e.URL, e.StatusCode)
}

// Client fetches issue data from a Redmine instance.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for the tracker at baseURL.
func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, apiKey, path string, query url.Values, browser bool) (io.ReadCloser, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(APIKeyHeader, apiKey)
	if browser {
		req.Header.Set("User-Agent", c.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redmine: GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{URL: path, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

// IssuePage returns the rendered HTML page of an issue. The caller closes it.
func (c *Client) IssuePage(ctx context.Context, apiKey, issueID string) (io.ReadCloser, error) {
	return c.get(ctx, apiKey, "/issues/"+url.PathEscape(issueID), url.Values{"token": {apiKey}}, true)
}

type issueEnvelope struct {
	Issue struct {
		Tags []struct {
			Name string `json:"name"`
		} `json:"tags"`
	} `json:"issue"`
}

// IssueTags returns the tag names attached to an issue.
func (c *Client) IssueTags(ctx context.Context, apiKey, issueID string) ([]string, error) {
	body, err := c.get(ctx, apiKey, "/issues/"+url.PathEscape(issueID)+".json", nil, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var env issueEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return nil, fmt.Errorf("redmine: decode issue %s: %w", issueID, err)
	}

	tags := make([]string, 0, len(env.Issue.Tags))
	for _, t := range env.Issue.Tags {
		tags = append(tags, t.Name)
	}
	return tags, nil
}
