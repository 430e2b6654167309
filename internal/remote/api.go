package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxMetaResponseBytes caps metadata response reads. Listings are
	// small JSON payloads.
	maxMetaResponseBytes = 4 * 1024 * 1024

	// maxContentBytes caps document downloads to prevent a misbehaving
	// server from consuming unbounded memory.
	maxContentBytes = 256 * 1024 * 1024
)

// APIClient talks to the drive-style mdsync REST API.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewAPIClient creates an API client for the given base URL and bearer
// token. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &APIClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// APIStore is the API-backed remote store, bound to one collection.
type APIStore struct {
	client       *APIClient
	collectionID string
}

// NewAPIStore binds an API client to a collection.
func NewAPIStore(client *APIClient, collectionID string) *APIStore {
	return &APIStore{client: client, collectionID: collectionID}
}

type listResponse struct {
	Files []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		ModifiedTime string `json:"modified_time"`
	} `json:"files"`
}

// List returns the documents in the collection. Modification times come
// back as RFC3339 strings and are parsed into UTC instants; a timestamp
// that fails to parse fails the listing rather than being compared wrong.
func (s *APIStore) List(ctx context.Context) ([]File, error) {
	var resp listResponse
	err := s.client.getJSON(ctx, "/v1/collections/"+url.PathEscape(s.collectionID)+"/files", &resp)
	if err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", s.collectionID, err)
	}

	files := make([]File, 0, len(resp.Files))

	for _, f := range resp.Files {
		mtime, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			return nil, fmt.Errorf("remote file %s has unparsable modified_time %q: %w", f.Name, f.ModifiedTime, err)
		}

		files = append(files, File{
			Name:    f.Name,
			ID:      f.ID,
			ModTime: mtime.UTC(),
		})
	}

	return files, nil
}

// Fetch downloads a document's content by ID.
func (s *APIStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.getRaw(ctx, "/v1/files/"+url.PathEscape(id)+"/content")
	if err != nil {
		return nil, fmt.Errorf("fetching file %s: %w", id, err)
	}

	return data, nil
}

type storeResponse struct {
	ID string `json:"id"`
}

// Store uploads a document into the collection, creating or overwriting by
// name, and returns the file ID.
func (s *APIStore) Store(ctx context.Context, name string, content []byte) (string, error) {
	path := "/v1/collections/" + url.PathEscape(s.collectionID) + "/files/" + url.PathEscape(name)

	var resp storeResponse
	if err := s.client.putRaw(ctx, path, content, &resp); err != nil {
		return "", fmt.Errorf("storing file %s: %w", name, err)
	}

	if resp.ID == "" {
		return "", fmt.Errorf("storing file %s: server returned no file id", name)
	}

	return resp.ID, nil
}

// Collection describes a remote collection.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureCollection finds a collection by name or creates it if it does not
// exist. Used once during initialization.
func (c *APIClient) EnsureCollection(ctx context.Context, name string) (*Collection, error) {
	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("marshalling collection request: %w", err)
	}

	var coll Collection
	if err := c.postJSON(ctx, "/v1/collections", payload, &coll); err != nil {
		return nil, fmt.Errorf("ensuring collection %q: %w", name, err)
	}

	if coll.ID == "" {
		return nil, fmt.Errorf("ensuring collection %q: server returned no collection id", name)
	}

	return &coll, nil
}

func (c *APIClient) getJSON(ctx context.Context, endpoint string, result any) error {
	body, err := c.do(ctx, http.MethodGet, endpoint, "", nil, maxMetaResponseBytes)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}

	return nil
}

func (c *APIClient) getRaw(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, "", nil, maxContentBytes)
}

func (c *APIClient) putRaw(ctx context.Context, endpoint string, content []byte, result any) error {
	body, err := c.do(ctx, http.MethodPut, endpoint, "application/octet-stream", content, maxMetaResponseBytes)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

func (c *APIClient) postJSON(ctx context.Context, endpoint string, payload []byte, result any) error {
	body, err := c.do(ctx, http.MethodPost, endpoint, "application/json", payload, maxMetaResponseBytes)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// do sends a request and returns the response body, translating failures
// into the error taxonomy: ErrAuth for credential problems, TransientError
// for failures worth retrying on a later run.
func (c *APIClient) do(ctx context.Context, method, endpoint, contentType string, payload []byte, maxBytes int64) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrAuth, endpoint, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Peek at a structured error message before falling back to the
		// sanitized raw body.
		if msg := gjson.GetBytes(body, "error"); msg.Exists() && msg.String() != "" {
			err := fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, msg.String())
			if isTransientStatus(resp.StatusCode) {
				return nil, &TransientError{Err: err}
			}

			return nil, err
		}

		err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(body))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return body, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
