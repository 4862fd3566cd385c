// Package lpclient provides a client for the hypermedia REST API of the
// Launchpad build service.
// Successful responses are wrapped into Resource types (Root, Entry,
// Collection), unsuccessful ones into ResourceError.
package lpclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "lp_client"

// ResourceError is returned when the build service answered a request with a
// non-2xx HTTP status.
type ResourceError struct {
	StatusCode int
	Body       string
	URI        string
	Method     string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s returned HTTP status %d", e.URI, e.StatusCode)
}

// Client makes HTTP requests to the build service web API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *zap.Logger

	consumerKey string
	tokenKey    string
	tokenSecret string
}

type option func(*Client)

// WithOAuth configures the OAuth1 credentials that are sent with every
// request. The service uses the PLAINTEXT signature method.
func WithOAuth(consumerKey, tokenKey, tokenSecret string) option {
	return func(c *Client) {
		c.consumerKey = consumerKey
		c.tokenKey = tokenKey
		c.tokenSecret = tokenSecret
	}
}

func WithHTTPClient(httpClient *http.Client) option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New returns a new build service API client.
// baseURL must contain the versioned service root path, e.g.
// "https://api.launchpad.net/devel".
func New(baseURL string, opts ...option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url failed: %w", err)
	}

	clt := Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		},
		logger: zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&clt)
	}

	return &clt, nil
}

// GetOptions are the optional parameters of Get and NamedGet requests.
type GetOptions struct {
	// Start and Size slice a collection server-side.
	Start *int
	Size  *int
	// Parameters are additional query parameters.
	Parameters map[string]string
	// Accept overrides the default "application/json" accept header.
	Accept string
}

// Get retrieves the current state of the resource at uri.
func (c *Client) Get(ctx context.Context, uri string, opts *GetOptions) (any, error) {
	if opts == nil {
		opts = &GetOptions{}
	}

	normalized, err := NormalizeURI(c.baseURL, uri)
	if err != nil {
		return nil, err
	}

	parameters := make(map[string]string, len(opts.Parameters)+2)
	for k, v := range opts.Parameters {
		parameters[k] = v
	}

	if opts.Start != nil {
		parameters["ws.start"] = strconv.Itoa(*opts.Start)
	}

	if opts.Size != nil {
		parameters["ws.size"] = strconv.Itoa(*opts.Size)
	}

	normalized, err = appendQuery(normalized, parameters)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request failed: %w", err)
	}

	accept := opts.Accept
	if accept == "" {
		accept = "application/json"
	}

	req.Header.Set("Accept", accept)
	c.setAuthHeader(req)

	return c.do(req, normalized, http.MethodGet)
}

// NamedGet retrieves the value of a named GET operation on the resource at
// uri.
func (c *Client) NamedGet(ctx context.Context, uri, operation string, opts *GetOptions) (any, error) {
	if opts == nil {
		opts = &GetOptions{}
	}

	parameters := map[string]string{"ws.op": operation}
	for k, v := range opts.Parameters {
		parameters[k] = v
	}

	return c.Get(ctx, uri, &GetOptions{
		Start:      opts.Start,
		Size:       opts.Size,
		Parameters: parameters,
		Accept:     opts.Accept,
	})
}

// NamedPost performs a named POST operation on the resource at uri.
// When the service answers with "201 Created" a new object was created by the
// operation, it is fetched via the Location header and returned instead of
// the POST response.
func (c *Client) NamedPost(ctx context.Context, uri, operation string, parameters url.Values) (any, error) {
	normalized, err := NormalizeURI(c.baseURL, uri)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, vals := range parameters {
		form[k] = vals
	}
	form.Set("ws.op", operation)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalized, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request failed: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request failed: %w", err)
	}

	if resp.StatusCode == http.StatusCreated {
		location := resp.Header.Get("Location")
		drainBody(resp)

		c.logger.Debug(
			"named post created a new resource, following location",
			logfields.Event("lp_named_post_created"),
			zap.String("operation", operation),
			zap.String("location", location),
		)

		return c.Get(ctx, location, nil)
	}

	return c.handleResponse(resp, normalized, http.MethodPost)
}

// Patch updates the resource at uri with the given partial representation.
// The service does not support the PATCH verb directly, the request is sent
// as POST with an override header. A non-empty etag is sent as If-Match
// precondition.
func (c *Client) Patch(ctx context.Context, uri string, delta map[string]any, etag string) (any, error) {
	normalized, err := NormalizeURI(c.baseURL, uri)
	if err != nil {
		return nil, err
	}

	body, err := encodeJSON(delta)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalized, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request failed: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HTTP-Method-Override", "PATCH")
	req.Header.Set("X-Content-Type-Override", "application/json")

	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	c.setAuthHeader(req)

	return c.do(req, normalized, http.MethodPatch)
}

// Delete deletes the resource at uri.
func (c *Client) Delete(ctx context.Context, uri string) error {
	normalized, err := NormalizeURI(c.baseURL, uri)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, normalized, nil)
	if err != nil {
		return fmt.Errorf("creating request failed: %w", err)
	}

	c.setAuthHeader(req)

	_, err = c.do(req, normalized, http.MethodDelete)
	return err
}

func (c *Client) do(req *http.Request, uri, method string) (any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request failed: %w", err)
	}

	return c.handleResponse(resp, uri, method)
}

func (c *Client) handleResponse(resp *http.Response, uri, method string) (any, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body failed: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return nil, &ResourceError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			URI:        uri,
			Method:     method,
		}
	}

	mediaType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mediaType, "application/json") {
		return string(body), nil
	}

	representation, err := decodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("decoding response of %s failed: %w", uri, err)
	}

	// The self_link of the fetched object supersedes the request URI for
	// subsequent operations on the returned resource. During a PATCH the
	// caller is the object, its URI is kept.
	if m, ok := representation.(map[string]any); ok && method != http.MethodPatch {
		if selfLink, ok := m["self_link"].(string); ok && selfLink != "" {
			uri = selfLink
		}
	}

	return c.wrapResource(uri, representation), nil
}

// wrapResource turns a decoded JSON representation into the matching resource
// type. The decision is purely structural:
//   - no resource_type_link and a total_size(-link) field: a collection
//   - no resource_type_link, object or array shaped: a structurally new
//     object/array with every value wrapped recursively
//   - a service-root resource_type_link: the service root
//   - a resource_type_link and no total_size: an entry
//   - otherwise: a collection
//
// Scalar values are returned unchanged. The input is never mutated or
// aliased.
func (c *Client) wrapResource(uri string, representation any) any {
	switch rep := representation.(type) {
	case map[string]any:
		typeLink, hasTypeLink := rep["resource_type_link"].(string)

		if !hasTypeLink {
			_, hasTotalSize := rep["total_size"]
			_, hasTotalSizeLink := rep["total_size_link"]
			if hasTotalSize || hasTotalSizeLink {
				return newCollection(c, uri, rep)
			}

			result := make(map[string]any, len(rep))
			for key, value := range rep {
				if child, ok := value.(map[string]any); ok {
					selfLink, _ := child["self_link"].(string)
					result[key] = c.wrapResource(selfLink, child)
					continue
				}

				result[key] = c.wrapResource("", value)
			}

			return result
		}

		if strings.HasSuffix(typeLink, "/#service-root") {
			return &Root{
				Resource: Resource{client: c, uri: uri},
				attrs:    rep,
			}
		}

		if _, hasTotalSize := rep["total_size"]; !hasTotalSize {
			return newEntry(c, uri, rep)
		}

		return newCollection(c, uri, rep)

	case []any:
		result := make([]any, len(rep))
		for i, value := range rep {
			if child, ok := value.(map[string]any); ok {
				selfLink, _ := child["self_link"].(string)
				result[i] = c.wrapResource(selfLink, child)
				continue
			}

			result[i] = c.wrapResource("", value)
		}

		return result

	default:
		return representation
	}
}

// setAuthHeader adds the OAuth1 PLAINTEXT authorization header.
// The service ignores timestamp and nonce for PLAINTEXT signatures, they are
// sent anyway to satisfy strict parsers.
func (c *Client) setAuthHeader(req *http.Request) {
	if c.consumerKey == "" || c.tokenKey == "" {
		return
	}

	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	header := fmt.Sprintf(
		`OAuth realm="", oauth_version="1.0", oauth_signature_method="PLAINTEXT", `+
			`oauth_consumer_key=%q, oauth_token=%q, oauth_signature="%s", `+
			`oauth_timestamp="%d", oauth_nonce="%s"`,
		c.consumerKey,
		c.tokenKey,
		"%26"+url.QueryEscape(c.tokenSecret),
		time.Now().Unix(),
		hex.EncodeToString(nonce),
	)

	req.Header.Set("Authorization", header)
}

func appendQuery(uri string, parameters map[string]string) (string, error) {
	if len(parameters) == 0 {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q failed: %w", uri, err)
	}

	query := parsed.Query()
	for k, v := range parameters {
		query.Set(k, v)
	}

	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
