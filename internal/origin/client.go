package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"stream-corruptor/internal/platform/apperror"
)

// DefaultTimeout bounds a single origin request.
const DefaultTimeout = 10 * time.Second

// maxManifestSize caps how much of an origin manifest is read into memory.
const maxManifestSize = 16 << 20

var errTooLarge = errors.New("origin response exceeds size limit")

// Fetcher retrieves origin documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Client fetches manifests and streams segments from origin servers.
type Client struct {
	// http bounds whole requests, body included.
	http   *http.Client
	// stream bounds only dialing and the wait for response headers, so a
	// body copied slowly on purpose is not cut off.
	stream *http.Client
	log    *slog.Logger
}

// NewClient returns a Client whose requests time out after timeout.
// A non-positive timeout uses DefaultTimeout. Streamed bodies (Open) are
// limited by the caller's context only.
func NewClient(log *slog.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &Client{
		http:   &http.Client{Timeout: timeout},
		stream: &http.Client{Transport: transport},
		log:    log,
	}
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, apperror.Validation("missing url parameter")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperror.Validation(fmt.Sprintf("invalid url parameter %q", raw))
	}
	return u, nil
}

// Open issues a GET for rawURL and returns the response when the origin
// answers 2xx. The caller closes the body; reading it is bounded by ctx, not
// by the client timeout. Any other status becomes an upstream fetch error
// carrying that status.
func (c *Client) Open(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, c.stream, rawURL)
}

func (c *Client) do(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperror.Validation(fmt.Sprintf("invalid url parameter %q", rawURL))
	}
	resp, err := client.Do(req)
	if err != nil {
		c.log.Warn("origin request failed", slog.String("url", rawURL), slog.String("error", err.Error()))
		return nil, apperror.UpstreamFetch(err, http.StatusBadGateway)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.log.Info("origin returned error status", slog.String("url", rawURL), slog.Int("status", resp.StatusCode))
		return nil, apperror.UpstreamFetch(fmt.Errorf("origin status %d", resp.StatusCode), resp.StatusCode)
	}
	return resp, nil
}

// Fetch returns the body of rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, c.http, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, apperror.UpstreamFetch(err, http.StatusBadGateway)
	}
	if len(body) > maxManifestSize {
		return nil, apperror.UpstreamFetch(errTooLarge, http.StatusBadGateway)
	}
	return body, nil
}
