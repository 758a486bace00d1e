package fhirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"medscan/internal/config"
)

const fhirJSON = "application/fhir+json"

// Store exposes the remote FHIR store operations used by the application.
type Store interface {
	Read(ctx context.Context, ref string) (json.RawMessage, error)
	Search(ctx context.Context, query string) (*Bundle, error)
	Create(ctx context.Context, path string, resource any) (*CreateResult, error)
	Update(ctx context.Context, path string, resource any) (json.RawMessage, error)
	Delete(ctx context.Context, path string) error
	Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error)
}

// CreateResult carries the stored representation of a freshly created
// resource together with the Location header the server assigned. Some
// stores answer 201 with an empty body, leaving Location as the only way
// to learn the new id.
type CreateResult struct {
	Resource json.RawMessage
	Location string
}

// StatusError carries a non-success HTTP outcome from the store, with the
// response body preserved for diagnosis against the remote server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fhir store returned status %d: %s", e.StatusCode, e.Body)
}

// APIClient is a resty-backed implementation of Store. Operations go through
// the anonymous base client until an authorized client is installed, after
// which every operation is delegated to it.
type APIClient struct {
	base *resty.Client

	mu         sync.RWMutex
	authorized *resty.Client
}

// NewClient builds a store client from configuration values.
func NewClient(cfg config.FHIRConfig) *APIClient {
	base := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	return &APIClient{base: base}
}

// NewAuthorizedHTTPClient builds a resty client carrying the bearer token
// obtained from an external authorization handshake, suitable for
// UseAuthorizedClient.
func NewAuthorizedHTTPClient(cfg config.FHIRConfig, accessToken string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetAuthToken(accessToken).
		SetTimeout(cfg.Timeout)
}

// UseAuthorizedClient installs the authenticated client. Written once after a
// successful handshake; read by every subsequent operation.
func (c *APIClient) UseAuthorizedClient(rc *resty.Client) {
	c.mu.Lock()
	c.authorized = rc
	c.mu.Unlock()
}

// ResetAuthorizedClient reverts to the anonymous client. Test hook only; not
// reachable from production flows.
func (c *APIClient) ResetAuthorizedClient() {
	c.mu.Lock()
	c.authorized = nil
	c.mu.Unlock()
}

func (c *APIClient) httpClient() *resty.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authorized != nil {
		return c.authorized
	}
	return c.base
}

// Read fetches a single resource by reference, e.g. "Device/123".
func (c *APIClient) Read(ctx context.Context, ref string) (json.RawMessage, error) {
	resp, err := c.httpClient().R().
		SetContext(ctx).
		SetHeader("Accept", fhirJSON).
		Get(relativePath(ref))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if err := checkStatus(resp, false); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// Search runs a search query such as "Device?identifier=X" and decodes the
// resulting searchset bundle. A millisecond timestamp parameter is appended
// to defeat intermediary caches.
func (c *APIClient) Search(ctx context.Context, query string) (*Bundle, error) {
	q := appendParam(relativePath(query), "_ts="+strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := c.httpClient().R().
		SetContext(ctx).
		SetHeader("Accept", fhirJSON).
		SetHeader("Cache-Control", "no-cache").
		Get(q)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", query, err)
	}
	if err := checkStatus(resp, false); err != nil {
		return nil, err
	}

	bundle := new(Bundle)
	if err := json.Unmarshal(resp.Body(), bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}
	return bundle, nil
}

// Create posts a new resource to the given type path and returns the stored
// representation plus the assigned Location.
func (c *APIClient) Create(ctx context.Context, path string, resource any) (*CreateResult, error) {
	resp, err := c.httpClient().R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(resource).
		Post(relativePath(path))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := checkStatus(resp, false); err != nil {
		return nil, err
	}
	return &CreateResult{
		Resource: json.RawMessage(resp.Body()),
		Location: resp.Header().Get("Location"),
	}, nil
}

// Update rewrites a resource at its instance path via PUT.
func (c *APIClient) Update(ctx context.Context, path string, resource any) (json.RawMessage, error) {
	resp, err := c.httpClient().R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(resource).
		Put(relativePath(path))
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", path, err)
	}
	if err := checkStatus(resp, false); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// Delete removes a resource, cascading to dependents.
func (c *APIClient) Delete(ctx context.Context, path string) error {
	p := appendParam(relativePath(path), "_cascade=delete")

	resp, err := c.httpClient().R().
		SetContext(ctx).
		Delete(p)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return checkStatus(resp, true)
}

// Transaction posts a transaction bundle to the store root.
func (c *APIClient) Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	resp, err := c.httpClient().R().
		SetContext(ctx).
		SetHeader("Content-Type", fhirJSON).
		SetBody(bundle).
		Post("/")
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	if err := checkStatus(resp, false); err != nil {
		return nil, err
	}

	out := new(Bundle)
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return nil, fmt.Errorf("decode transaction response: %w", err)
	}
	return out, nil
}

// relativePath strips leading slashes so paths resolve under the base URL.
func relativePath(p string) string {
	return strings.TrimLeft(p, "/")
}

// appendParam joins an extra query parameter with "&" when the path already
// carries parameters, "?" otherwise.
func appendParam(path, param string) string {
	if strings.Contains(path, "?") {
		return path + "&" + param
	}
	return path + "?" + param
}

func checkStatus(resp *resty.Response, isDelete bool) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	if isDelete && code == http.StatusNoContent {
		return nil
	}
	return &StatusError{StatusCode: code, Body: string(resp.Body())}
}
