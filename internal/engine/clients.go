package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/raysh454/httpbridge/internal/model"
)

const defaultConnectTimeout = 30 * time.Second

// clientCache builds one *http.Client per distinct set of client options so
// connections are pooled between requests that share them.
type clientCache struct {
	base *http.Transport

	mu      sync.Mutex
	clients map[string]*http.Client
}

func newClientCache(base *http.Transport) *clientCache {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &clientCache{
		base:    base,
		clients: make(map[string]*http.Client),
	}
}

func (c *clientCache) client(opts model.ClientOptions) (*http.Client, error) {
	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("fingerprint client options: %w", err)
	}
	key := string(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}

	proxy, err := proxyFunc(opts.Proxy)
	if err != nil {
		return nil, err
	}

	timeout := opts.ConnectTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	tr := c.base.Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = proxy

	cl := &http.Client{
		Transport:     tr,
		CheckRedirect: redirectPolicy(opts.MaxRedirections),
	}
	c.clients[key] = cl
	return cl, nil
}

func (c *clientCache) closeIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		cl.CloseIdleConnections()
	}
	c.base.CloseIdleConnections()
}

// redirectPolicy maps maxRedirections onto net/http. Nil keeps the net/http
// default, zero hands the redirect response back to the caller.
func redirectPolicy(maxRedirects *int) func(*http.Request, []*http.Request) error {
	if maxRedirects == nil {
		return nil
	}
	limit := *maxRedirects
	return func(_ *http.Request, via []*http.Request) error {
		if limit == 0 {
			return http.ErrUseLastResponse
		}
		if len(via) > limit {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, limit)
		}
		return nil
	}
}

// proxyFunc resolves the proxy for each outgoing request. Without a proxy
// configuration the usual HTTP_PROXY environment variables apply.
func proxyFunc(cfg *model.ProxyConfig) (func(*http.Request) (*url.URL, error), error) {
	if cfg == nil {
		return http.ProxyFromEnvironment, nil
	}

	byScheme := make(map[string]func(*url.URL) (*url.URL, error), 2)
	for _, scheme := range []string{"http", "https"} {
		p := cfg.For(scheme)
		if p == nil {
			continue
		}
		target, err := proxyURL(p)
		if err != nil {
			return nil, err
		}
		hc := httpproxy.Config{
			HTTPProxy:  target,
			HTTPSProxy: target,
			NoProxy:    p.NoProxy,
		}
		byScheme[scheme] = hc.ProxyFunc()
	}

	return func(req *http.Request) (*url.URL, error) {
		fn, ok := byScheme[req.URL.Scheme]
		if !ok {
			return nil, nil
		}
		return fn(req.URL)
	}, nil
}

// proxyURL folds basic auth credentials into the proxy URL; net/http turns
// them into a Proxy-Authorization header.
func proxyURL(p *model.Proxy) (string, error) {
	raw := strings.TrimSpace(p.URL)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url %q: %w", p.URL, err)
	}
	if p.BasicAuth != nil {
		u.User = url.UserPassword(p.BasicAuth.Username, p.BasicAuth.Password)
	}
	return u.String(), nil
}
