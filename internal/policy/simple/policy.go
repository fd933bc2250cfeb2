// Package simple contains the host allow-list policy.
package simple

import (
	"net/url"
	"strings"
)

// Policy admits http(s) URLs whose host is one of the allowed hosts or a
// subdomain of one.
type Policy struct {
	hosts    []string
	headless bool
}

// New creates a Policy. An empty hosts list admits any host. headless
// controls AllowHeadless.
func New(hosts []string, headless bool) *Policy {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	return &Policy{hosts: normalized, headless: headless}
}

// AllowFetch reports whether rawURL may be fetched.
func (p *Policy) AllowFetch(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return false
	}
	if len(p.hosts) == 0 {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// AllowHeadless reports whether rawURL may be rendered in a browser.
func (p *Policy) AllowHeadless(rawURL string) bool {
	return p.headless && p.AllowFetch(rawURL)
}
