// Package netguard runs the loopback proxy that enforces a NetPolicy's
// domain filters on the interpreter's network traffic.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/mkastrati/evalgate/internal/command"
)

// Guard is a forward HTTP/HTTPS proxy scoped to one evaluation. It
// admits or rejects connections by hostname according to the policy it
// was built from.
//
// HTTPS is handled via the CONNECT method (tunnelling); the guard does
// NOT terminate TLS. The interpreter negotiates TLS end-to-end through
// the tunnel.
type Guard struct {
	allow []string
	deny  []string

	// OnBlocked is called with the hostname each time a request is
	// denied. Optional.
	OnBlocked func(domain string)

	listener net.Listener
	server   *http.Server
}

// New builds a Guard from the policy's domain filters. Both lists
// support wildcards: "*.example.com" matches any subdomain.
func New(policy command.NetPolicy) *Guard {
	return &Guard{
		allow: normalizeDomains(policy.AllowDomains),
		deny:  normalizeDomains(policy.DenyDomains),
	}
}

// Start begins listening on a random loopback port and returns the
// address in "host:port" form, suitable for the child's proxy
// environment.
func (g *Guard) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("netguard listen: %w", err)
	}
	g.listener = ln

	gpx := goproxy.NewProxyHttpServer()

	// The outbound transport must not honour the proxy env vars we set
	// for the child, or the guard would dial itself.
	gpx.Tr = &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	isBlocked := goproxy.ReqConditionFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) bool {
		return !g.Allowed(requestHost(req))
	})

	gpx.OnRequest(isBlocked).DoFunc(
		func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			host := requestHost(req)
			g.notifyBlocked(host)
			return nil, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden,
				fmt.Sprintf("evalgate: domain %q blocked by policy", host))
		})

	gpx.OnRequest(isBlocked).HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			g.notifyBlocked(hostOnly(host))
			return goproxy.RejectConnect, host
		}))

	g.server = &http.Server{Handler: gpx}

	go g.server.Serve(ln) //nolint:errcheck // returns ErrServerClosed on shutdown
	return ln.Addr().String(), nil
}

// Addr returns the guard's listen address, or "" if not started.
func (g *Guard) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts down the guard.
func (g *Guard) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Guard) notifyBlocked(domain string) {
	if g.OnBlocked != nil {
		g.OnBlocked(domain)
	}
}

// Allowed reports whether domain passes the guard's filters.
//
// With a non-empty allowlist the domain must match at least one entry.
// With a non-empty denylist the domain must match none. With both lists
// empty every domain passes.
func (g *Guard) Allowed(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if len(g.allow) > 0 {
		for _, pattern := range g.allow {
			if matchDomain(domain, pattern) {
				return true
			}
		}
		return false
	}

	for _, pattern := range g.deny {
		if matchDomain(domain, pattern) {
			return false
		}
	}
	return true
}

// matchDomain reports whether domain matches pattern. "example.com"
// matches exactly; "*.example.com" matches any subdomain but not
// "example.com" itself. Matching is case-insensitive.
func matchDomain(domain, pattern string) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)

	if domain == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(domain, pattern[1:])
	}
	return false
}

func normalizeDomains(domains []string) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = strings.ToLower(strings.TrimSuffix(d, "."))
	}
	return out
}

// requestHost extracts the target hostname from a proxied request.
func requestHost(req *http.Request) string {
	if host := hostOnly(req.URL.Host); host != "" {
		return host
	}
	return hostOnly(req.Host)
}

// hostOnly strips the port from a "host:port" string.
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
