// ------------------------------------------------------
// Linkmark - Page Fetching
// HTML retrieval with content-type and body-size limits
// ------------------------------------------------------

package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/linkmark/linkmark/pkg/config"
)

// ErrNotHTML is returned by Fetch when the response is not an HTML document.
var ErrNotHTML = errors.New("response is not an HTML document")

// HTTPStatusError is returned by Fetch for non-2xx responses.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %s for %s", e.Status, e.URL)
}

// Page is a fetched HTML document.
type Page struct {
	URL         string // requested URL
	FinalURL    string // URL after redirects
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool // body hit the configured size cap
	FetchedAt   time.Time
	Elapsed     time.Duration
}

// Fetch retrieves the HTML document at rawURL.
// Redirects are followed by the underlying client; Page.FinalURL records
// where the request ended up. Non-2xx responses yield an *HTTPStatusError
// and non-HTML content yields ErrNotHTML, in both cases after draining the
// body so the connection can be reused.
func (e *HTTPEngine) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	start := time.Now()

	resp, err := e.Request(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			URL:        finalURL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !htmlContentType(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, finalURL)
	}

	// Read one byte past the cap so truncation is detectable.
	maxBody := e.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", finalURL, err)
	}

	truncated := false
	if int64(len(body)) > maxBody {
		body = body[:maxBody]
		truncated = true
	}

	return &Page{
		URL:         rawURL,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
		Truncated:   truncated,
		FetchedAt:   start,
		Elapsed:     time.Since(start),
	}, nil
}

// htmlContentType reports whether the Content-Type header denotes an HTML
// document. A missing header is treated as HTML, matching what lenient
// servers expect of crawlers.
func htmlContentType(header string) bool {
	if header == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// drainAndClose consumes any unread body bytes so the underlying
// connection can go back to the pool, then closes the body.
func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain is best-effort
	resp.Body.Close()
}
