package netguard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/mkastrati/evalgate/internal/command"
)

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		domain  string
		pattern string
		want    bool
	}{
		{"example.com", "example.com", true},
		{"EXAMPLE.COM", "example.com", true},
		{"example.com", "other.com", false},
		{"example.com", "sub.example.com", false},
		{"sub.example.com", "*.example.com", true},
		{"a.b.example.com", "*.example.com", true},
		// Wildcard does NOT match the base domain.
		{"example.com", "*.example.com", false},
		{"sub.other.com", "*.example.com", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.domain, tt.pattern), func(t *testing.T) {
			if got := matchDomain(tt.domain, tt.pattern); got != tt.want {
				t.Errorf("matchDomain(%q, %q) = %v, want %v", tt.domain, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestAllowed_Allowlist(t *testing.T) {
	g := New(command.NetPolicy{AllowDomains: []string{"example.com", "*.github.com"}})

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"api.github.com", true},
		{"evil.com", false},
		{"github.com", false}, // wildcard doesn't match base
		{"example.com.", true},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if got := g.Allowed(tt.domain); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

func TestAllowed_Denylist(t *testing.T) {
	g := New(command.NetPolicy{DenyDomains: []string{"evil.com", "*.malware.net"}})

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"evil.com", false},
		{"sub.malware.net", false},
		{"malware.net", true}, // wildcard doesn't match base
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if got := g.Allowed(tt.domain); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

func TestAllowed_NoRules(t *testing.T) {
	g := New(command.NetPolicy{})
	if !g.Allowed("anything.com") {
		t.Error("expected all domains allowed when no rules configured")
	}
}

func startGuard(t *testing.T, policy command.NetPolicy) (*Guard, *http.Client) {
	t.Helper()

	g := New(policy)
	addr, err := g.Start()
	if err != nil {
		t.Fatalf("guard start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.Stop(ctx)
	})

	proxyURL, _ := url.Parse("http://" + addr)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return g, client
}

func TestGuard_AllowlistPassesHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer target.Close()

	targetURL, _ := url.Parse(target.URL)
	_, client := startGuard(t, command.NetPolicy{AllowDomains: []string{targetURL.Hostname()}})

	resp, err := client.Get(target.URL + "/allowed")
	if err != nil {
		t.Fatalf("expected request to succeed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("expected body %q, got %q", "OK", string(body))
	}
}

func TestGuard_AllowlistBlocksHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	g, client := startGuard(t, command.NetPolicy{AllowDomains: []string{"allowed.example.com"}})

	var mu sync.Mutex
	var blocked []string
	g.OnBlocked = func(domain string) {
		mu.Lock()
		blocked = append(blocked, domain)
		mu.Unlock()
	}

	resp, err := client.Get(target.URL + "/blocked")
	if err != nil {
		t.Fatalf("expected response (403), got error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(blocked) == 0 {
		t.Error("expected OnBlocked to fire")
	}
}

func TestGuard_DenylistBlocksHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer target.Close()

	targetURL, _ := url.Parse(target.URL)
	_, client := startGuard(t, command.NetPolicy{DenyDomains: []string{targetURL.Hostname()}})

	resp, err := client.Get(target.URL + "/denied")
	if err != nil {
		t.Fatalf("expected response (403), got error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestGuard_StartStop(t *testing.T) {
	g := New(command.NetPolicy{})
	addr, err := g.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if addr == "" {
		t.Fatal("expected non-empty address")
	}
	if g.Addr() != addr {
		t.Errorf("Addr() = %q, want %q", g.Addr(), addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHostOnly(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com:443", "example.com"},
		{"example.com", "example.com"},
		{"[::1]:443", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := hostOnly(tt.in); got != tt.want {
				t.Errorf("hostOnly(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
