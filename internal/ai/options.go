package ai

import "net/http"

// Option customises an HTTP-backed Generator.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL points the client at a different API host, e.g. a proxy or a
// test server. The path is appended by the client.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithHTTPClient replaces the default http.Client. The default has no overall
// timeout; calls are bounded by the caller's context.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(defaultBaseURL string, opts []Option) options {
	o := options{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
