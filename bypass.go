package shadowguard

import (
	"fmt"
	"strings"
)

// BypassList holds the domains that skip MITM entirely. Matching
// connections are relayed opaquely with no TLS inspection, which is
// how pinned-certificate apps keep working.
//
// Patterns are exact hostnames or "*.suffix" wildcards. The list is
// immutable; configuration reloads build a new one.
type BypassList struct {
	exact    map[string]bool
	suffixes []string
}

// NewBypassList compiles the patterns. Invalid patterns fail with an
// error wrapping [ErrConfig] so a bad config never half-applies.
func NewBypassList(patterns []string) (*BypassList, error) {
	b := &BypassList{exact: make(map[string]bool, len(patterns))}

	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			suffix := p[2:]
			if _, err := NormalizeDomain(suffix); err != nil {
				return nil, fmt.Errorf("%w: bypass pattern %q: %v", ErrConfig, p, err)
			}
			b.suffixes = append(b.suffixes, suffix)
			continue
		}
		if _, err := NormalizeDomain(p); err != nil {
			return nil, fmt.Errorf("%w: bypass pattern %q: %v", ErrConfig, p, err)
		}
		b.exact[p] = true
	}
	return b, nil
}

// Matches reports whether host should skip interception. A "*.suffix"
// pattern covers the suffix itself and every subdomain.
func (b *BypassList) Matches(host string) bool {
	if b == nil {
		return false
	}
	h := normalizeLookupHost(host)
	if h == "" {
		return false
	}
	if b.exact[h] {
		return true
	}
	for _, suffix := range b.suffixes {
		if h == suffix || strings.HasSuffix(h, "."+suffix) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (b *BypassList) Len() int {
	if b == nil {
		return 0
	}
	return len(b.exact) + len(b.suffixes)
}
