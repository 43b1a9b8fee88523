// Package cache implements the Cache Client (spec §4.3): narinfo lookup and
// NAR streaming against a remote binary cache, with retrying and signature
// verification. The client itself does not limit how many requests run at
// once; its HTTP transport keeps at most 8 idle connections per host.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	nixerrors "github.com/fly-io/nixless-agent/pkg/errors"
	"github.com/fly-io/nixless-agent/pkg/narinfo"
)

// Config controls timeouts and retry behavior for a Client.
type Config struct {
	CacheURL           string
	S3Region           string
	MaxRetries         uint64
	ConnectTimeout     time.Duration
	HeaderTimeout      time.Duration
	IdleTimeout        time.Duration
	MaxBackoffInterval time.Duration
}

// DefaultConfig returns the defaults described in spec §4.3.
func DefaultConfig(cacheURL string) Config {
	return Config{
		CacheURL:           cacheURL,
		S3Region:           "us-east-1",
		MaxRetries:         5,
		ConnectTimeout:     10 * time.Second,
		HeaderTimeout:      10 * time.Second,
		IdleTimeout:        30 * time.Second,
		MaxBackoffInterval: 30 * time.Second,
	}
}

// Client fetches narinfo metadata and NAR streams from a binary cache,
// rejecting responses that don't verify under the configured keychain.
// CACHE_URL may name either an HTTP(S) binary cache or, in the pattern of
// many real Nix caches, an s3://bucket/prefix bucket served directly.
type Client struct {
	cfg      Config
	httpc    *http.Client
	keychain *narinfo.Keychain
	baseURL  *url.URL
	s3       *S3Backend
}

// New returns a Client talking to cfg.CacheURL, verifying narinfo
// signatures against keychain. ctx bounds only the S3 SDK's config
// discovery when CacheURL uses the s3:// scheme.
func New(ctx context.Context, cfg Config, keychain *narinfo.Keychain) (*Client, error) {
	c := &Client{cfg: cfg, keychain: keychain}

	if bucket, prefix, ok := ParseS3URL(cfg.CacheURL); ok {
		backend, err := NewS3Backend(ctx, bucket, prefix, cfg.S3Region)
		if err != nil {
			return nil, fmt.Errorf("cache: building s3 backend: %w", err)
		}
		c.s3 = backend
		return c, nil
	}

	base, err := url.Parse(cfg.CacheURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing cache url: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 8,
		ForceAttemptHTTP2:   true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleTimeoutConn{Conn: conn, timeout: cfg.IdleTimeout}, nil
		},
		ResponseHeaderTimeout: cfg.HeaderTimeout,
	}
	c.httpc = &http.Client{Transport: transport}
	c.baseURL = base
	return c, nil
}

// idleTimeoutConn pushes its read deadline forward by timeout on every
// Read, so a connection that goes quiet mid-stream after headers arrive
// (a slow-loris NAR body, say) eventually errors instead of hanging on a
// request that otherwise carries no overall deadline. This is spec §4.3's
// per-chunk idle timeout, distinct from ConnectTimeout and HeaderTimeout.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// openStream opens relPath (a key relative to the cache root, e.g.
// "<hash>.narinfo" or a narinfo's URL field) against whichever backend the
// cache URL selected, retrying transient failures.
func (c *Client) openStream(ctx context.Context, relPath string) (io.ReadCloser, error) {
	if c.s3 != nil {
		var body io.ReadCloser
		op := func() error {
			r, err := c.s3.Fetch(ctx, relPath)
			if err != nil {
				if nixerrors.KindOf(err) == nixerrors.KindNotFound {
					return backoff.Permanent(ErrNotFound)
				}
				return err
			}
			body = r
			return nil
		}
		if err := c.retry(ctx, op); err != nil {
			if err == ErrNotFound {
				return nil, err
			}
			return nil, nixerrors.Kinded(nixerrors.KindTransientNetwork, err)
		}
		return body, nil
	}

	reqURL := relPath
	if !strings.Contains(relPath, "://") {
		reqURL = c.baseURL.JoinPath(relPath).String()
	}

	var resp *http.Response
	op := func() error {
		r, err := c.doGet(ctx, reqURL)
		if err != nil {
			return err
		}
		switch {
		case r.StatusCode == http.StatusNotFound:
			r.Body.Close()
			return backoff.Permanent(ErrNotFound)
		case r.StatusCode >= 500:
			r.Body.Close()
			return fmt.Errorf("cache: fetch %s: server error %d", reqURL, r.StatusCode)
		case r.StatusCode != http.StatusOK:
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("cache: fetch %s: unexpected status %d", reqURL, r.StatusCode))
		}
		resp = r
		return nil
	}

	if err := c.retry(ctx, op); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, nixerrors.Kinded(nixerrors.KindTransientNetwork, err)
	}
	return resp.Body, nil
}

// ErrNotFound is returned by Narinfo when the cache has no entry for id.
// NotFound responses are never retried.
var ErrNotFound = fmt.Errorf("cache: narinfo not found")

// Narinfo fetches and verifies the narinfo record for a package id.
func (c *Client) Narinfo(ctx context.Context, id string) (*narinfo.Info, error) {
	hash, _, ok := strings.Cut(id, "-")
	if !ok {
		return nil, nixerrors.Kinded(nixerrors.KindMalformed, fmt.Errorf("cache: malformed package id %q", id))
	}

	stream, err := c.openStream(ctx, hash+".narinfo")
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	body, err := io.ReadAll(stream)
	if err != nil {
		return nil, nixerrors.Kinded(nixerrors.KindTransientNetwork, fmt.Errorf("cache: reading narinfo body for %s: %w", id, err))
	}

	info, err := narinfo.Parse(body)
	if err != nil {
		return nil, nixerrors.Kinded(nixerrors.KindMalformed, fmt.Errorf("cache: parsing narinfo for %s: %w", id, err))
	}

	if !c.keychain.VerifyFingerprint(info) {
		return nil, nixerrors.Kinded(nixerrors.KindUnauthorized, fmt.Errorf("cache: narinfo for %s has no valid signature", id))
	}

	slog.Info("cache_narinfo_fetched", "package_id", id, "nar_size", info.NarSize)
	return info, nil
}

// NarStream opens the compressed NAR byte stream described by info. The
// caller is responsible for closing the returned reader.
func (c *Client) NarStream(ctx context.Context, info *narinfo.Info) (io.ReadCloser, error) {
	stream, err := c.openStream(ctx, info.URL)
	if err != nil {
		return nil, err
	}

	slog.Info("cache_nar_stream_open", "url", info.URL)
	return stream, nil
}

func (c *Client) doGet(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return c.httpc.Do(req)
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.MaxBackoffInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)
	return backoff.Retry(op, policy)
}
