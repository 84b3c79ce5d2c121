package types

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestToken names the native request an adapter keeps open while a
// response is outstanding. It is opaque to the core.
type RequestToken string

// String returns the token text
func (t RequestToken) String() string { return string(t) }

// Request is a request issued by embedded content for a custom scheme.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Body is nil when the platform cannot supply request bodies.
	Body []byte

	// Token is assigned by the adapter and echoed back on delivery.
	Token RequestToken
}

// NewRequest builds a request from a raw URL. The URL is parsed but not
// validated; structural validation belongs to the dispatcher so that a bad
// URL becomes a response rather than a failure at the adapter boundary.
func NewRequest(method, rawURL string, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestURI, err)
	}
	if method == "" {
		method = http.MethodGet
	}
	h := make(http.Header, len(header))
	for k, vs := range header {
		if len(vs) > 0 {
			// Header keys are unique: the last value wins.
			h.Set(k, vs[len(vs)-1])
		}
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: h,
		Body:   body,
	}, nil
}

// Scheme returns the lower-cased URL scheme, or "" when there is none.
func (r *Request) Scheme() string {
	if r == nil || r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Scheme)
}

// Clone returns a copy that shares the body bytes.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.Header = r.Header.Clone()
	return &c
}

// String renders the request line for logs.
func (r *Request) String() string {
	if r == nil {
		return "<nil request>"
	}
	target := "<no url>"
	if r.URL != nil {
		target = r.URL.String()
	}
	return r.Method + " " + target
}
