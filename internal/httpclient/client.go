// Package httpclient is the outbound HTTP client for webhook jobs. Unless
// told otherwise it refuses loopback, private and link-local destinations,
// checked on the address actually dialed so DNS rebinding cannot slip past.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/teranos/vigil/errors"
)

// ErrBlocked marks a request refused by destination policy.
var ErrBlocked = errors.New("destination blocked")

// Options configures a Client.
type Options struct {
	Timeout      time.Duration
	AllowPrivate bool // permit LAN and loopback targets (NAS, local MAM)
	MaxRedirects int  // 0 means 5
}

// Client wraps http.Client with destination checks.
type Client struct {
	http         *http.Client
	allowPrivate bool
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	c := &Client{allowPrivate: opts.AllowPrivate}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	if !opts.AllowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return errors.Wrap(err, "invalid address")
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return errors.Wrapf(err, "invalid address %q", host)
			}
			if Restricted(addr) {
				return errors.Wrapf(ErrBlocked, "%s", addr)
			}
			return nil
		}
	}

	c.http = &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			return c.checkURL(req.URL)
		},
	}
	return c
}

// Restricted reports whether addr is loopback, private, link-local,
// multicast or unspecified.
func Restricted(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// CheckURL validates a target before any request is built.
func (c *Client) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid URL %q: %v", raw, err)
	}
	if err := c.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) checkURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.NewInvalidRequestError("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.NewInvalidRequestError("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.NewInvalidRequestError("URL missing host")
	}
	if c.allowPrivate {
		return nil
	}
	if h := strings.ToLower(host); h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return errors.Wrapf(ErrBlocked, "%s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && Restricted(addr) {
		return errors.Wrapf(ErrBlocked, "%s", host)
	}
	return nil
}

// Do sends req after checking its destination.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.checkURL(req.URL); err != nil {
		return nil, err
	}
	return c.http.Do(req.WithContext(ctx))
}
