// Package github is an HTTP client for the subset of the GitHub REST and
// GraphQL APIs the bot consumes: PR metadata, changed files, file contents,
// reviews, comment threads, and App installation tokens.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mendbot/mendbot/internal/adapter/remote"
)

const (
	defaultBaseURL        = "https://api.github.com"
	defaultTimeout        = 30 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 2 * time.Second

	apiVersion = "2022-11-28"
	perPage    = 100
)

// TokenSource supplies the bearer token for API requests. Production uses
// AppTokenSource; tests use StaticTokenSource.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, e.g. a personal access token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client is an HTTP client for the GitHub API.
type Client struct {
	tokens     TokenSource
	baseURL    string
	httpClient *http.Client
	retryConf  remote.RetryConfig
}

// NewClient creates a GitHub API client authenticating via the token source.
func NewClient(tokens TokenSource) *Client {
	return &Client{
		tokens:     tokens,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retryConf: remote.RetryConfig{
			MaxRetries:     defaultMaxRetries,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     32 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// SetBaseURL sets a custom base URL (for testing).
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// SetTimeout sets the HTTP timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// SetMaxRetries sets the maximum number of retry attempts.
func (c *Client) SetMaxRetries(maxRetries int) {
	c.retryConf.MaxRetries = maxRetries
}

// SetInitialBackoff sets the initial backoff duration for retries.
func (c *Client) SetInitialBackoff(backoff time.Duration) {
	c.retryConf.InitialBackoff = backoff
}

// do executes one API request with retry. The accept parameter overrides the
// Accept header when non-empty (raw content fetches). The caller owns the
// returned body.
func (c *Client) do(ctx context.Context, method, url, accept string, body []byte) (*http.Response, error) {
	var resp *http.Response
	err := remote.RetryWithBackoff(ctx, func(ctx context.Context) error {
		token, tokErr := c.tokens.Token(ctx)
		if tokErr != nil {
			return fmt.Errorf("acquiring token: %w", tokErr)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, url, reader)
		if reqErr != nil {
			return &remote.Error{
				Type:    remote.ErrTypeUnknown,
				Message: reqErr.Error(),
				Service: serviceName,
			}
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		if accept != "" {
			req.Header.Set("Accept", accept)
		} else {
			req.Header.Set("Accept", "application/vnd.github+json")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		var callErr error
		resp, callErr = c.httpClient.Do(req)
		if callErr != nil {
			return remote.NewTimeoutError(serviceName, callErr.Error())
		}

		if resp.StatusCode >= 400 {
			bodyBytes, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return &remote.Error{
					Type:       remote.ErrTypeUnknown,
					Message:    fmt.Sprintf("HTTP %d (failed to read response: %v)", resp.StatusCode, readErr),
					StatusCode: resp.StatusCode,
					Retryable:  resp.StatusCode >= 500,
					Service:    serviceName,
				}
			}
			return mapError(resp.StatusCode, bodyBytes)
		}

		return nil
	}, c.retryConf)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// getJSON fetches a URL and decodes its JSON response into out.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// postJSON sends a JSON body and decodes the JSON response into out (when
// out is non-nil).
func (c *Client) postJSON(ctx context.Context, url string, in, out interface{}) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, url, "", jsonData)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GetPullRequest fetches pull request metadata.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, pullNumber int) (*PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, pullNumber)

	var pr PullRequest
	if err := c.getJSON(ctx, url, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListFiles fetches every changed file of a pull request, following
// pagination until a short page.
func (c *Client) ListFiles(ctx context.Context, owner, repo string, pullNumber int) ([]PullRequestFile, error) {
	var all []PullRequestFile
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d",
			c.baseURL, owner, repo, pullNumber, perPage, page)

		var files []PullRequestFile
		if err := c.getJSON(ctx, url, &files); err != nil {
			return nil, err
		}
		all = append(all, files...)
		if len(files) < perPage {
			return all, nil
		}
	}
}

// GetRawContent fetches a file's contents at a ref. A 404 means the file was
// deleted or never existed on that ref; that is a valid outcome, reported as
// ok == false with a nil error.
func (c *Client) GetRawContent(ctx context.Context, owner, repo, path, ref string) ([]byte, bool, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s", c.baseURL, owner, repo, path, ref)

	resp, err := c.do(ctx, http.MethodGet, url, "application/vnd.github.raw+json", nil)
	if err != nil {
		var remoteErr *remote.Error
		if errors.As(err, &remoteErr) && remoteErr.Type == remote.ErrTypeNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response: %w", err)
	}
	return content, true, nil
}

// CreateReview submits a pull request review with inline comments.
func (c *Client) CreateReview(ctx context.Context, owner, repo string, pullNumber int, input CreateReviewRequest) (*Review, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", c.baseURL, owner, repo, pullNumber)

	var review Review
	if err := c.postJSON(ctx, url, input, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

// ListReviewComments fetches every inline review comment on a pull request,
// following pagination until a short page.
func (c *Client) ListReviewComments(ctx context.Context, owner, repo string, pullNumber int) ([]ReviewComment, error) {
	var all []ReviewComment
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments?per_page=%d&page=%d",
			c.baseURL, owner, repo, pullNumber, perPage, page)

		var comments []ReviewComment
		if err := c.getJSON(ctx, url, &comments); err != nil {
			return nil, err
		}
		all = append(all, comments...)
		if len(comments) < perPage {
			return all, nil
		}
	}
}

// CreateIssueComment posts a top-level comment on the PR conversation.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, pullNumber int, body string) (*IssueComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.baseURL, owner, repo, pullNumber)

	var comment IssueComment
	if err := c.postJSON(ctx, url, map[string]string{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// ReplyToComment posts a threaded reply under an existing review comment.
func (c *Client) ReplyToComment(ctx context.Context, owner, repo string, pullNumber int, commentID int64, body string) (*ReviewComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/comments/%d/replies",
		c.baseURL, owner, repo, pullNumber, commentID)

	var comment ReviewComment
	if err := c.postJSON(ctx, url, map[string]string{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// graphQLRequest is the envelope for POST /graphql.
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// graphQLResponse is the envelope GitHub's GraphQL endpoint returns.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// graphql executes one GraphQL call and decodes the data field into out.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	url := c.baseURL + "/graphql"

	var envelope graphQLResponse
	if err := c.postJSON(ctx, url, graphQLRequest{Query: query, Variables: variables}, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return &remote.Error{
			Type:    remote.ErrTypeInvalidRequest,
			Message: envelope.Errors[0].Message,
			Service: serviceName,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

const listThreadsQuery = `
query($owner: String!, $repo: String!, $number: Int!, $cursor: String) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100, after: $cursor) {
        pageInfo { hasNextPage endCursor }
        nodes {
          id
          isResolved
          comments(first: 100) {
            nodes { databaseId }
          }
        }
      }
    }
  }
}`

// ListReviewThreads maps each review comment's database id to the GraphQL id
// of its thread, for later resolution. Resolved threads are omitted.
func (c *Client) ListReviewThreads(ctx context.Context, owner, repo string, pullNumber int) (map[int64]string, error) {
	threads := make(map[int64]string)
	var cursor *string

	for {
		variables := map[string]interface{}{
			"owner":  owner,
			"repo":   repo,
			"number": pullNumber,
		}
		if cursor != nil {
			variables["cursor"] = *cursor
		}

		var data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						PageInfo struct {
							HasNextPage bool   `json:"hasNextPage"`
							EndCursor   string `json:"endCursor"`
						} `json:"pageInfo"`
						Nodes []struct {
							ID         string `json:"id"`
							IsResolved bool   `json:"isResolved"`
							Comments   struct {
								Nodes []struct {
									DatabaseID int64 `json:"databaseId"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		}
		if err := c.graphql(ctx, listThreadsQuery, variables, &data); err != nil {
			return nil, err
		}

		rt := data.Repository.PullRequest.ReviewThreads
		for _, node := range rt.Nodes {
			if node.IsResolved {
				continue
			}
			for _, comment := range node.Comments.Nodes {
				threads[comment.DatabaseID] = node.ID
			}
		}
		if !rt.PageInfo.HasNextPage {
			return threads, nil
		}
		cursor = &rt.PageInfo.EndCursor
	}
}

const resolveThreadMutation = `
mutation($threadId: ID!) {
  resolveReviewThread(input: {threadId: $threadId}) {
    thread { id isResolved }
  }
}`

// ResolveThread marks a review thread resolved.
func (c *Client) ResolveThread(ctx context.Context, threadID string) error {
	return c.graphql(ctx, resolveThreadMutation, map[string]interface{}{"threadId": threadID}, nil)
}
