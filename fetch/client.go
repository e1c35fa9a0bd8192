// Package fetch retrieves remote images with SSRF protection. Every hop of a
// redirect chain is re-validated, the connection is made to exactly the
// address that was validated, and response bodies are read under a byte
// ceiling.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
	xsemaphore "golang.org/x/sync/semaphore"

	"github.com/Skryldev/imaged/config"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/semaphore"
	"github.com/Skryldev/imaged/ssrf"
)

const (
	// MaxRedirects is the longest redirect chain followed.
	MaxRedirects = 10
	// MaxURLLength bounds the accepted source URL.
	MaxURLLength = 8 * 1024
)

// Options configures a Client.
type Options struct {
	Timeout            time.Duration // per hop
	ChainTimeout       time.Duration // whole chain, 0 = caller's deadline only
	MaxBytes           int64
	AllowedHosts       *regexp.Regexp // nil = any host
	SSRFProtection     bool
	UserAgent          string
	Concurrency        int
	PerHostConcurrency int64 // 0 = unlimited
}

// OptionsFromConfig converts the fetch section of the service config.
func OptionsFromConfig(c config.FetchConfig) (Options, error) {
	o := Options{
		Timeout:            c.Timeout,
		ChainTimeout:       c.ChainTimeout,
		MaxBytes:           c.MaxBytes,
		SSRFProtection:     c.SSRFProtection,
		UserAgent:          c.UserAgent,
		Concurrency:        c.Concurrency,
		PerHostConcurrency: c.PerHostConcurrency,
	}
	if c.AllowedHosts != "" {
		re, err := regexp.Compile(c.AllowedHosts)
		if err != nil {
			return Options{}, fmt.Errorf("fetch: allowed hosts: %w", err)
		}
		o.AllowedHosts = re
	}
	return o, nil
}

// Response is a fully read upstream image.
type Response struct {
	Body        []byte
	ContentType string
	URL         string // final URL after redirects
	Redirects   int
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customises a Client.
type Option func(*Client)

// WithResolver replaces the DNS resolver used for validation.
func WithResolver(r ssrf.Resolver) Option { return func(c *Client) { c.resolver = r } }

// WithDialer replaces the function used to open connections.
func WithDialer(d DialFunc) Option { return func(c *Client) { c.dial = d } }

// WithTransport replaces the HTTP transport entirely. Address pinning is then
// the transport's responsibility.
func WithTransport(rt http.RoundTripper) Option { return func(c *Client) { c.transport = rt } }

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m core.MetricsCollector) Option { return func(c *Client) { c.metrics = m } }

// Client fetches images. It is safe for concurrent use.
type Client struct {
	opts      Options
	resolver  ssrf.Resolver
	dial      DialFunc
	transport http.RoundTripper
	http      *http.Client
	admission *semaphore.Semaphore
	logger    core.Logger
	metrics   core.MetricsCollector

	hostsMu sync.Mutex
	hosts   map[string]*hostSlot
}

type pinnedAddrKey struct{}

// New builds a Client.
func New(opts Options, fns ...Option) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "imaged"
	}
	c := &Client{
		opts:      opts,
		resolver:  net.DefaultResolver,
		dial:      (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext,
		admission: semaphore.New(opts.Concurrency),
		logger:    core.NopLogger{},
		metrics:   core.NopMetrics{},
		hosts:     make(map[string]*hostSlot),
	}
	for _, fn := range fns {
		fn(c)
	}
	if c.transport == nil {
		c.transport = &http.Transport{
			Proxy:                 nil, // an environment proxy would bypass address pinning
			DialContext:           c.dialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.Timeout,
			ResponseHeaderTimeout: opts.Timeout,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	c.http = &http.Client{
		Transport: c.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return c
}

// Admission exposes the outbound admission semaphore for observation.
func (c *Client) Admission() *semaphore.Semaphore { return c.admission }

// Fetch retrieves rawURL, following and re-validating up to MaxRedirects
// redirects.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	resp, err := c.fetch(ctx, rawURL)
	c.metrics.RecordFetch(outcome(err))
	return resp, err
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*Response, error) {
	if len(rawURL) > MaxURLLength {
		return nil, apperrors.Validation("fetch", "url exceeds %d bytes", MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Validation("fetch", "invalid url")
	}
	if u, err = c.checkURL(u); err != nil {
		return nil, err
	}

	if err := c.admission.Acquire(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryUpstream, "fetch.admission", err)
	}
	defer c.admission.Release()
	c.metrics.RecordAdmission("fetch", c.admission.Held(), c.admission.Waiting())

	if c.opts.ChainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ChainTimeout)
		defer cancel()
	}

	for redirects := 0; ; redirects++ {
		resp, next, err := c.hop(ctx, u)
		if err != nil {
			return nil, err
		}
		if next == nil {
			resp.Redirects = redirects
			return resp, nil
		}
		if redirects+1 > MaxRedirects {
			return nil, apperrors.New(apperrors.CategoryValidation, "fetch", apperrors.ErrTooManyRedirects)
		}
		c.logger.Debug("fetch.redirect", "from", u.Redacted(), "to", next.Redacted())
		u = next
	}
}

// hop performs one request. It returns either a response or the next URL.
func (c *Client) hop(ctx context.Context, u *url.URL) (*Response, *url.URL, error) {
	release, err := c.hostPermit(ctx, u.Hostname())
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CategoryUpstream, "fetch.host_limit", err)
	}
	defer release()

	hopCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if c.opts.SSRFProtection {
		addr, err := c.pin(hopCtx, u.Hostname())
		if err != nil {
			return nil, nil, err
		}
		hopCtx = context.WithValue(hopCtx, pinnedAddrKey{}, addr)
	}

	req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, apperrors.Validation("fetch", "invalid url")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("fetch.transport_error", "url", u.Redacted(), "error", err.Error())
		return nil, nil, apperrors.New(apperrors.CategoryValidation, "fetch", apperrors.ErrRequestFailed)
	}
	defer resp.Body.Close()

	if isRedirect(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, nil, apperrors.New(apperrors.CategoryUpstream, "fetch",
				errors.New("redirect response without a Location header"))
		}
		next, err := u.Parse(loc)
		if err != nil {
			return nil, nil, apperrors.New(apperrors.CategoryUpstream, "fetch",
				errors.New("redirect to an invalid location"))
		}
		next, err = c.checkURL(next)
		if err != nil {
			return nil, nil, err
		}
		return nil, next, nil
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, apperrors.WithStatus(apperrors.CategoryUpstream, "fetch", http.StatusNotFound,
			errors.New("upstream image not found"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, nil, apperrors.New(apperrors.CategoryUpstream, "fetch",
			fmt.Errorf("upstream responded with status %d", resp.StatusCode))
	}

	body, err := c.readBody(hopCtx, cancel, resp)
	if err != nil {
		return nil, nil, err
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         u.String(),
	}, nil, nil
}

// checkURL enforces scheme, credential and allowlist rules and normalises an
// internationalised host to its ASCII form.
func (c *Client) checkURL(u *url.URL) (*url.URL, error) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperrors.Validation("fetch", "unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, apperrors.Validation("fetch", "credentials in url are not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return nil, apperrors.Validation("fetch", "url has no host")
	}
	if !ssrf.IsIPLiteral(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return nil, apperrors.Validation("fetch", "invalid host name")
		}
		ascii = strings.ToLower(ascii)
		if ascii != host {
			cp := *u
			if port := u.Port(); port != "" {
				cp.Host = net.JoinHostPort(ascii, port)
			} else {
				cp.Host = ascii
			}
			u = &cp
		}
		host = ascii
	}
	if c.opts.AllowedHosts != nil && !c.opts.AllowedHosts.MatchString(host) {
		return nil, apperrors.New(apperrors.CategoryForbidden, "fetch", apperrors.ErrHostNotAllowed)
	}
	return u, nil
}

// pin resolves host and returns the first public candidate.
func (c *Client) pin(ctx context.Context, host string) (string, error) {
	addrs, err := ssrf.ResolveHostname(ctx, c.resolver, host)
	if err != nil {
		return "", err
	}
	reason := ""
	for _, a := range addrs {
		cl, err := ssrf.ClassifyIP(a)
		if err != nil {
			continue
		}
		if !cl.Private {
			return a, nil
		}
		reason = cl.Reason
	}
	c.logger.Warn("fetch.blocked", "host", host, "reason", reason)
	return "", apperrors.New(apperrors.CategoryForbidden, "fetch",
		fmt.Errorf("%w (%s)", apperrors.ErrPrivateAddress, reason))
}

// dialContext connects to the address pinned on the request context, keeping
// the port the transport asked for.
func (c *Client) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !c.opts.SSRFProtection {
		return c.dial(ctx, network, addr)
	}
	pinned, ok := ctx.Value(pinnedAddrKey{}).(string)
	if !ok || pinned == "" {
		return nil, errors.New("fetch: refusing to dial without a validated address")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, network, net.JoinHostPort(pinned, port))
}

// hostSlot is a per-host semaphore shared by the fetches currently holding or
// waiting on it. The slot is dropped when the last of them leaves.
type hostSlot struct {
	sem  *xsemaphore.Weighted
	refs int
}

func (c *Client) hostPermit(ctx context.Context, host string) (func(), error) {
	if c.opts.PerHostConcurrency <= 0 {
		return func() {}, nil
	}
	c.hostsMu.Lock()
	slot, ok := c.hosts[host]
	if !ok {
		slot = &hostSlot{sem: xsemaphore.NewWeighted(c.opts.PerHostConcurrency)}
		c.hosts[host] = slot
	}
	slot.refs++
	c.hostsMu.Unlock()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		c.leaveHost(host, slot)
		return nil, err
	}
	return func() {
		slot.sem.Release(1)
		c.leaveHost(host, slot)
	}, nil
}

func (c *Client) leaveHost(host string, slot *hostSlot) {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	slot.refs--
	if slot.refs == 0 && c.hosts[host] == slot {
		delete(c.hosts, host)
	}
}

// trackedHosts reports how many per-host slots are live.
func (c *Client) trackedHosts() int {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	return len(c.hosts)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperrors.IsCategory(err, apperrors.CategoryForbidden):
		return "forbidden"
	case apperrors.IsCategory(err, apperrors.CategoryValidation):
		return "invalid"
	default:
		return "error"
	}
}
