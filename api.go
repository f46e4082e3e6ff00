package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// StatusError is returned when the API answers with a non-success status.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned status %d", e.Status)
}

// FieldError holds the messages the API reported for one form field.
type FieldError struct {
	Field    string
	Messages []string
}

// FieldErrors is a validation failure body, in the order the API sent it.
type FieldErrors []FieldError

// Error joins every field's messages into one line: messages within a
// field are comma separated, fields are space separated.
func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, f := range fe {
		parts = append(parts, strings.Join(f.Messages, ","))
	}
	return strings.Join(parts, " ")
}

var errLoginFailed = errors.New("login failed")

// apiClient talks to the remote blog API. It never retries and sets no
// timeout of its own; callers bound requests with their context.
type apiClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *Metrics
}

func newAPIClient(baseURL string, httpClient *http.Client, logger *slog.Logger, metrics *Metrics) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *apiClient) do(ctx context.Context, call, method, path, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", call, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", call, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.APIDuration.WithLabelValues(call).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.observe(call, "error")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	outcome := "ok"
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = "status"
	}
	c.observe(call, outcome)
	c.logger.Debug("api call", "call", call, "method", method, "path", path, "status", resp.StatusCode)

	return resp, nil
}

func (c *apiClient) observe(call, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.APIRequests.WithLabelValues(call, outcome).Inc()
}

// expectJSON decodes a success body into v, or returns a *StatusError.
func expectJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: data}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *apiClient) RecentPosts(ctx context.Context) ([]Post, error) {
	resp, err := c.do(ctx, "list_recent", http.MethodGet, "/api/recent-posts/", "", nil)
	if err != nil {
		return nil, err
	}

	var posts []Post
	if err := expectJSON(resp, &posts); err != nil {
		return nil, fmt.Errorf("listing recent posts: %w", err)
	}
	return posts, nil
}

// Posts lists every post. A paginated envelope ({"results": [...]}) is
// unwrapped; a bare array is used as is.
func (c *apiClient) Posts(ctx context.Context) ([]Post, error) {
	resp, err := c.do(ctx, "list_all", http.MethodGet, "/api/posts/", "", nil)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := expectJSON(resp, &raw); err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}

	posts, err := unwrapPosts(raw)
	if err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	return posts, nil
}

func unwrapPosts(raw json.RawMessage) ([]Post, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Results []Post `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return nil, fmt.Errorf("decoding page: %w", err)
		}
		return page.Results, nil
	}

	var posts []Post
	if err := json.Unmarshal(trimmed, &posts); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	return posts, nil
}

func (c *apiClient) Post(ctx context.Context, id int) (*Post, error) {
	resp, err := c.do(ctx, "get_post", http.MethodGet, fmt.Sprintf("/api/posts/%d/", id), "", nil)
	if err != nil {
		return nil, err
	}

	var post Post
	if err := expectJSON(resp, &post); err != nil {
		return nil, fmt.Errorf("getting post %d: %w", id, err)
	}
	return &post, nil
}

func (c *apiClient) CreatePost(ctx context.Context, token string, in PostInput) (*Post, error) {
	resp, err := c.do(ctx, "create_post", http.MethodPost, "/api/posts/create/", token, in)
	if err != nil {
		return nil, err
	}

	var post Post
	if err := expectJSON(resp, &post); err != nil {
		return nil, fmt.Errorf("creating post: %w", err)
	}
	return &post, nil
}

func (c *apiClient) UpdatePost(ctx context.Context, token string, id int, in PostInput) (*Post, error) {
	resp, err := c.do(ctx, "update_post", http.MethodPut, fmt.Sprintf("/api/posts/%d/update/", id), token, in)
	if err != nil {
		return nil, err
	}

	var post Post
	if err := expectJSON(resp, &post); err != nil {
		return nil, fmt.Errorf("updating post %d: %w", id, err)
	}
	return &post, nil
}

// DeletePost reports whether the API answered 204 No Content, the only
// response that counts as a completed delete. Other 2xx answers return
// false with a nil error.
func (c *apiClient) DeletePost(ctx context.Context, token string, id int) (bool, error) {
	resp, err := c.do(ctx, "delete_post", http.MethodDelete, fmt.Sprintf("/api/posts/%d/delete/", id), token, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, fmt.Errorf("reading delete response: %w", err)
		}
		return false, fmt.Errorf("deleting post %d: %w", id, &StatusError{Status: resp.StatusCode, Body: data})
	}
	return resp.StatusCode == http.StatusNoContent, nil
}

// Login exchanges credentials for an access/refresh pair. Failure is
// decided by status; a success body missing either token also fails.
func (c *apiClient) Login(ctx context.Context, username, password string) (TokenPair, error) {
	creds := map[string]string{"username": username, "password": password}
	resp, err := c.do(ctx, "login", http.MethodPost, "/api/token/", "", creds)
	if err != nil {
		return TokenPair{}, err
	}

	var pair TokenPair
	if err := expectJSON(resp, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %w", errLoginFailed, err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		return TokenPair{}, errLoginFailed
	}
	return pair, nil
}

// Register creates an account. The body decides the outcome rather than
// the status: a "message" means success, anything else is read as
// FieldErrors.
func (c *apiClient) Register(ctx context.Context, in RegisterInput) (string, error) {
	resp, err := c.do(ctx, "register", http.MethodPost, "/api/auth/register/", "", in)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading register response: %w", err)
	}

	var ok struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &ok); err != nil {
		return "", fmt.Errorf("decoding register response: %w", err)
	}
	if ok.Message != "" {
		return ok.Message, nil
	}

	fields, err := parseFieldErrors(data)
	if err != nil {
		return "", fmt.Errorf("decoding register errors: %w", err)
	}
	return "", fields
}

func (c *apiClient) Profile(ctx context.Context, token string) (*Profile, error) {
	resp, err := c.do(ctx, "get_profile", http.MethodGet, "/api/auth/profile/", token, nil)
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := expectJSON(resp, &profile); err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return &profile, nil
}

type ProfileUpdate struct {
	Message string  `json:"message"`
	User    Profile `json:"user"`
}

// UpdateProfile replaces the editable profile fields. Like Register, the
// body's "message" decides success.
func (c *apiClient) UpdateProfile(ctx context.Context, token string, in ProfileInput) (*ProfileUpdate, error) {
	resp, err := c.do(ctx, "update_profile", http.MethodPut, "/api/auth/profile/update/", token, in)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading profile update response: %w", err)
	}

	var update ProfileUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fmt.Errorf("decoding profile update response: %w", err)
	}
	if update.Message == "" {
		return nil, fmt.Errorf("updating profile: %w", &StatusError{Status: resp.StatusCode, Body: data})
	}
	return &update, nil
}

// parseFieldErrors reads a {"field": ["msg", ...]} object keeping the
// field order of the document. Nested objects are flattened in document
// order too.
func parseFieldErrors(data []byte) (FieldErrors, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	fields := FieldErrors{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		messages, err := readMessages(dec)
		if err != nil {
			return nil, err
		}
		fields = append(fields, FieldError{Field: key, Messages: messages})
	}
	return fields, nil
}

// readMessages consumes one JSON value and returns every scalar in it.
func readMessages(dec *json.Decoder) ([]string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		var out []string
		for dec.More() {
			if t == '{' {
				if _, err := dec.Token(); err != nil {
					return nil, err
				}
			}
			messages, err := readMessages(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, messages...)
		}
		// closing delimiter
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return out, nil
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	default:
		return []string{fmt.Sprint(t)}, nil
	}
}
