// Package github is a minimal typed client for the repository host's REST API.
//
// It covers exactly the operations the commit pipeline and credential
// validation need: git object reads/writes, ref updates, content reads, and
// user/repo lookups. Outbound calls share an injected rate limiter so many
// concurrent pipelines cannot hammer the host.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotFound is returned for 404 responses on read operations where a
// missing object is an expected state (e.g. a repository without a README).
var ErrNotFound = errors.New("github: not found")

// APIError is a non-2xx response from the host.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s: %d %s", e.URL, e.StatusCode, e.Message)
}

// IsAuth reports whether the error indicates rejected credentials.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

func (e *APIError) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

type Config struct {
	BaseURL string
	Timeout time.Duration

	// RatePerSec caps outbound calls across all users' pipelines.
	RatePerSec int
}

type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// ---- git objects ----

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

// GetRef resolves a branch head to its commit SHA.
func (c *Client) GetRef(ctx context.Context, token, owner, repo, branch string) (string, error) {
	var out refResponse
	path := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, branch)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

type commitResponse struct {
	SHA  string `json:"sha"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

// GetCommit returns the tree SHA of a commit object.
func (c *Client) GetCommit(ctx context.Context, token, owner, repo, sha string) (string, error) {
	var out commitResponse
	path := fmt.Sprintf("/repos/%s/%s/git/commits/%s", owner, repo, sha)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return "", err
	}
	return out.Tree.SHA, nil
}

type contentsResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

// GetContents fetches a file's decoded body. A missing file returns ErrNotFound.
func (c *Client) GetContents(ctx context.Context, token, owner, repo, path string) (string, error) {
	var out contentsResponse
	p := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, path)
	err := c.do(ctx, http.MethodGet, p, token, nil, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return "", ErrNotFound
		}
		return "", err
	}
	if out.Encoding == "base64" {
		// The host wraps base64 payloads in newlines.
		b, decErr := base64.StdEncoding.DecodeString(strings.ReplaceAll(out.Content, "\n", ""))
		if decErr != nil {
			return "", fmt.Errorf("github: decoding %s: %w", path, decErr)
		}
		return string(b), nil
	}
	return out.Content, nil
}

type shaResponse struct {
	SHA string `json:"sha"`
}

// CreateBlob writes a utf-8 blob and returns its SHA.
func (c *Client) CreateBlob(ctx context.Context, token, owner, repo, content string) (string, error) {
	var out shaResponse
	path := fmt.Sprintf("/repos/%s/%s/git/blobs", owner, repo)
	body := map[string]string{"content": content, "encoding": "utf-8"}
	if err := c.do(ctx, http.MethodPost, path, token, body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// CreateTree overlays one changed file onto a base tree and returns the new tree SHA.
func (c *Client) CreateTree(ctx context.Context, token, owner, repo, baseTree, filePath, blobSHA string) (string, error) {
	var out shaResponse
	path := fmt.Sprintf("/repos/%s/%s/git/trees", owner, repo)
	body := map[string]any{
		"base_tree": baseTree,
		"tree":      []treeEntry{{Path: filePath, Mode: "100644", Type: "blob", SHA: blobSHA}},
	}
	if err := c.do(ctx, http.MethodPost, path, token, body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// CreateCommit creates a commit object with a single parent.
func (c *Client) CreateCommit(ctx context.Context, token, owner, repo, message, treeSHA, parentSHA string) (string, error) {
	var out shaResponse
	path := fmt.Sprintf("/repos/%s/%s/git/commits", owner, repo)
	body := map[string]any{
		"message": message,
		"tree":    treeSHA,
		"parents": []string{parentSHA},
	}
	if err := c.do(ctx, http.MethodPost, path, token, body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// UpdateRef fast-forwards the branch head to the given commit.
func (c *Client) UpdateRef(ctx context.Context, token, owner, repo, branch, sha string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, branch)
	body := map[string]any{"sha": sha}
	return c.do(ctx, http.MethodPatch, path, token, body, nil)
}

// ---- users / repos (credential validation) ----

type userResponse struct {
	Login string `json:"login"`
}

// GetUser looks up a user by login name.
func (c *Client) GetUser(ctx context.Context, token, username string) (string, error) {
	var out userResponse
	if err := c.do(ctx, http.MethodGet, "/users/"+username, token, nil, &out); err != nil {
		return "", err
	}
	return out.Login, nil
}

// Repo is the subset of repository metadata kept for the config UI.
type Repo struct {
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	Stars         int       `json:"stargazers_count"`
	Forks         int       `json:"forks_count"`
	Language      string    `json:"language"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListRepos returns the user's repositories, most recently updated first.
func (c *Client) ListRepos(ctx context.Context, token, username string) ([]Repo, error) {
	var out []Repo
	path := fmt.Sprintf("/users/%s/repos?sort=updated&per_page=100", username)
	if err := c.do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- transport ----

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: msg, URL: method + " " + path}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decoding %s %s: %w", method, path, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(b))
}
