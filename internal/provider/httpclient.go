package provider

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultHTTPTimeout = 120 * time.Second

// newHTTPClient returns a pooled client for one backend. The timeout is an
// upper bound; per-call deadlines come from the caller's context.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

const defaultOpenAIBase = "https://api.openai.com/v1"

// newOpenAIClient builds a go-openai client for any OpenAI-compatible base
// URL (OpenAI, Groq, local gateways).
func newOpenAIClient(apiBase, apiKey string, hc *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		cfg.BaseURL = strings.TrimRight(apiBase, "/")
	}
	if hc == nil {
		hc = newHTTPClient(defaultHTTPTimeout)
	}
	cfg.HTTPClient = hc
	return openai.NewClientWithConfig(cfg)
}

// apiStatus extracts the HTTP status from a go-openai error, or 0.
func apiStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// wrapAPIError prefixes err with what failed and, when known, the status.
func wrapAPIError(what string, err error) error {
	if code := apiStatus(err); code != 0 {
		return fmt.Errorf("%s (status %d): %w", what, code, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
