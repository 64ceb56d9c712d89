// Package httpclient provides the outbound HTTP client used for processing
// services and platform endpoints. Targets are checked before dialing so a
// configured URL cannot be pointed at internal infrastructure.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/studioos/errors"
)

// ErrBlocked marks a request refused by target validation
var ErrBlocked = errors.New("request target blocked")

// Options customizes SaferClient. The zero value blocks private networks,
// allows http and https and follows up to 10 redirects.
type Options struct {
	AllowedSchemes      []string
	MaxRedirects        int
	AllowPrivateNetwork bool
	UserAgent           string
}

// SaferClient wraps http.Client with SSRF protection
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivate   bool
	maxRedirects   int
	userAgent      string
}

// blockedPrefixes covers loopback, RFC 1918, link-local, multicast,
// reserved and documentation ranges for both address families
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// NewSaferClient creates a client with default protection
func NewSaferClient(timeout time.Duration) *SaferClient {
	return New(timeout, Options{})
}

// New creates a client with the given options
func New(timeout time.Duration, opts Options) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: opts.AllowedSchemes,
		blockPrivate:   !opts.AllowPrivateNetwork,
		maxRedirects:   opts.MaxRedirects,
		userAgent:      opts.UserAgent,
	}
	if len(c.allowedSchemes) == 0 {
		c.allowedSchemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 10
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		return errors.Wrap(c.check(req.URL), "redirect blocked")
	}

	if c.blockPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			// Resolve once and dial the vetted address so DNS rebinding cannot swap it
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, a := range addrs {
					if IsBlockedAddr(a) {
						return nil, errors.Wrapf(ErrBlocked, "private address %s", a)
					}
				}
				if len(addrs) == 0 {
					return nil, errors.Newf("no addresses for host %q", host)
				}
				return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// Wrap turns an existing client into a SaferClient without address
// blocking. Meant for tests against httptest servers on loopback.
func Wrap(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		maxRedirects:   10,
	}
}

// IsBlockedAddr reports whether a is loopback, private or otherwise not
// publicly routable
func IsBlockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func (c *SaferClient) check(u *url.URL) error {
	if u == nil {
		return errors.Wrap(ErrBlocked, "missing URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.allowedSchemes, scheme) {
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "URL carries credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.Wrap(ErrBlocked, "URL missing hostname")
	}
	if !c.blockPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || lower == "localhost.localdomain" || strings.HasSuffix(lower, ".localhost") {
		return errors.Wrap(ErrBlocked, "localhost access blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && IsBlockedAddr(a) {
		return errors.Wrapf(ErrBlocked, "private address %s", host)
	}
	return nil
}

// ValidateURL parses and checks a URL before a request is built
func (c *SaferClient) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do validates the target and executes the request
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.Client.Do(req)
}
