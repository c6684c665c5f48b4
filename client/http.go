package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a provider response body is read.
const maxResponseSize = 1 << 20

// HTTPClientFactory returns a client for a single outbound call.
type HTTPClientFactory func(timeout time.Duration) *http.Client

// NewHTTPClient builds a fresh client with its own non-pooled transport so no
// connection, credential or header state is shared between calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := cleanhttp.DefaultClient()
	c.Timeout = timeout
	return c
}

func (f HTTPClientFactory) orDefault() HTTPClientFactory {
	if f == nil {
		return NewHTTPClient
	}
	return f
}

// response is the fully read result of an outbound call.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body as a JSON object. ok is false when the body is not one.
func (r response) JSON() (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal(r.Body, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// do issues req on a fresh client with the given timeout and reads the body.
// Transport failures, including timeouts, are reported as ErrNetwork.
func do(ctx context.Context, newClient HTTPClientFactory, timeout time.Duration, req *http.Request) (response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hc := newClient.orDefault()(timeout)
	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return response{}, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, endpoint(req.URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return response{}, fmt.Errorf("%w: read %s: %v", ErrNetwork, endpoint(req.URL), err)
	}
	return response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// endpoint renders u without query or credentials; queries may carry secrets.
func endpoint(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

// Get performs a GET with the given query parameters merged onto rawURL.
// It is exported for provider-specific collaborators that share the
// same transport policy.
func Get(ctx context.Context, newClient HTTPClientFactory, timeout time.Duration, rawURL string, query map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(ctx, newClient, timeout, req)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, resp.Body, nil
}
