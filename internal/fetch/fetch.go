// Package fetch downloads the raw pages of a source.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
)

// ErrFetch marks a failure to obtain a source document.
var ErrFetch = errors.New("fetch failed")

const maxBodySize = 64 << 20

// Target is one page of a source.
type Target struct {
	Role string `yaml:"role" json:"role,omitempty"`
	URL  string `yaml:"url" json:"url"`
}

// Error describes a failed download.
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d", ErrFetch, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", ErrFetch, e.URL, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// HTTPFetcher fetches pages over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// NewHTTPFetcher creates a fetcher with a per-request timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		ua = "eve-vuz-bot/1.0"
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}, userAgent: ua, maxBody: maxBodySize}
}

// FetchAll downloads every target in order. Any failure fails the whole
// set so that a partial multi-page document is never parsed.
func (f *HTTPFetcher) FetchAll(ctx context.Context, targets []Target) ([]adapter.Page, error) {
	pages := make([]adapter.Page, 0, len(targets))
	for _, t := range targets {
		body, err := f.get(ctx, t.URL)
		if err != nil {
			return nil, err
		}
		pages = append(pages, adapter.Page{Role: t.Role, Body: body})
	}
	return pages, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, &Error{URL: url, Status: resp.StatusCode}
	}

	// One byte past the limit tells a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &Error{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.maxBody {
		return nil, &Error{URL: url, Err: fmt.Errorf("body exceeds %d bytes", f.maxBody)}
	}
	return body, nil
}
