package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxRedirects = 5

var (
	// ErrInvalidInput is returned for targets that are not absolute http(s) URLs
	ErrInvalidInput = errors.New("invalid upstream url")
	// ErrTimeout is matched by errors returned when the upstream did not answer in time
	ErrTimeout = errors.New("upstream timeout")
)

// StatusError is returned when the upstream answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, e.Reason)
}

// TransportError wraps network failures talking to the upstream
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to fetch from %s: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports timeouts as ErrTimeout
func (e *TransportError) Is(target error) bool {
	if target != ErrTimeout {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Config holds the spoofed request headers and client limits
type Config struct {
	Referer   string
	Origin    string
	UserAgent string
	Timeout   time.Duration
}

// Response is a successful upstream answer. The caller must close Body.
type Response struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       io.ReadCloser
}

// Fetcher performs upstream GET requests with the configured headers
type Fetcher struct {
	client *http.Client
	config Config
}

// NewFetcher creates a fetcher with a shared HTTP client
func NewFetcher(cfg Config) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				// Keep the spoofed headers on every hop
				if referer := via[0].Header.Get("Referer"); referer != "" {
					req.Header.Set("Referer", referer)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// NewFetcherWithClient is NewFetcher with a caller-supplied client
func NewFetcherWithClient(cfg Config, client *http.Client) *Fetcher {
	return &Fetcher{client: client, config: cfg}
}

// Fetch issues one GET for target. It never retries.
func (f *Fetcher) Fetch(ctx context.Context, target string) (*Response, error) {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{Host: u.Host, Err: err}
	}

	reason := reasonPhrase(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Reason: reason}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// ReadAll fetches target and reads the whole body
func (f *Fetcher) ReadAll(ctx context.Context, target string) ([]byte, *Response, error) {
	resp, err := f.Fetch(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		host := target
		if u, perr := url.Parse(target); perr == nil {
			host = u.Host
		}
		return nil, nil, &TransportError{Host: host, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	return body, resp, nil
}

func (f *Fetcher) setHeaders(req *http.Request) {
	if f.config.Referer != "" {
		req.Header.Set("Referer", f.config.Referer)
	}
	if f.config.Origin != "" {
		req.Header.Set("Origin", f.config.Origin)
	}
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}
	req.Header.Set("Accept", "*/*")
}

func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if reason := strings.TrimPrefix(resp.Status, prefix); reason != resp.Status && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
