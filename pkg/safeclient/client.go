// Package safeclient provides the shared HTTP client used for streaming
// downloads: SSRF-guarded, redirect-limited, with a per-request proxy
// override carried through the request context.
package safeclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ErrForbiddenIP is returned when a connection would reach a private or
// otherwise reserved address.
var ErrForbiddenIP = errors.New("connection to private/internal IP addresses is forbidden")

// Networks that must never be dialed, whatever DNS says. Checked at connect
// time so DNS rebinding cannot bypass the guard.
var blockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
}

var blockedNets []*net.IPNet

func init() {
	for _, cidr := range blockedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("safeclient: bad CIDR %q: %v", cidr, err))
		}
		blockedNets = append(blockedNets, n)
	}
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Config holds client construction parameters.
type Config struct {
	Timeout      time.Duration // total per-request budget, 0 for none
	DefaultProxy string        // proxy URL applied unless a request overrides it
}

// Client is a long-lived HTTP client shared by all fetch operations. It is
// closed once, at shutdown.
type Client struct {
	httpClient   *http.Client
	defaultProxy string
}

type proxyCtxKey struct{}

// WithProxy stores a resolved proxy URL for a single request. An empty
// string forces a direct connection.
func WithProxy(ctx context.Context, proxyURL string) context.Context {
	return context.WithValue(ctx, proxyCtxKey{}, proxyURL)
}

// New builds the shared client. The transport validates every dialed address
// against the blocked networks and consults the request context for a proxy
// override before falling back to the configured default.
func New(cfg Config) *Client {
	c := &Client{defaultProxy: cfg.DefaultProxy}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("parse dial address: %w", err)
			}
			if isBlockedIP(net.ParseIP(host)) {
				return ErrForbiddenIP
			}
			return nil
		},
	}

	transport := &http.Transport{
		Proxy:                 c.proxyFor,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	c.httpClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	return c
}

// proxyFor resolves the proxy for one request: context override first, then
// the configured default.
func (c *Client) proxyFor(req *http.Request) (*url.URL, error) {
	proxy := c.defaultProxy
	if override, ok := req.Context().Value(proxyCtxKey{}).(string); ok {
		proxy = override
	}
	if proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
	}
	return u, nil
}

// Do issues the request on the shared connection pool.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// Close releases pooled connections. No fetches may be issued afterwards.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
