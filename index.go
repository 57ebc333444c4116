package shadowguard

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// IndexEntry is one domain admitted to the index, carrying the tag of
// the rule it originated from.
type IndexEntry struct {
	// Domain is an exact domain or a "*." wildcard pattern.
	Domain string

	// Tag identifies the originating rule (shown in logs and stats).
	Tag string
}

// Match is the result of an index lookup.
type Match struct {
	// Blocked is true when a rule in the snapshot covers the domain.
	Blocked bool

	// RuleTag identifies the matching rule. Empty when not blocked.
	RuleTag string
}

// IndexStats holds the monotonic lookup counters of an index snapshot.
type IndexStats struct {
	// BloomRejects counts lookups answered negatively by the Bloom
	// filter without touching the trie.
	BloomRejects uint64

	// TrieHits counts lookups that matched a rule in the trie.
	TrieHits uint64
}

// trieNode is one label in the reverse-label trie. A node can carry
// both an exact terminator and a wildcard bit; the exact rule wins on
// lookup.
type trieNode struct {
	children    map[string]*trieNode
	end         bool
	wildcard    bool
	endTag      string
	wildcardTag string
}

// Index answers "does any rule in this snapshot match this domain?"
// in O(labels) with a Bloom-filter fast negative path.
//
// An Index is immutable after [BuildIndex] returns; lookups are safe
// from any number of goroutines without locking. Removals are not
// supported: publish a freshly built snapshot instead.
type Index struct {
	bloom *bloomFilter
	root  *trieNode
	count int

	bloomRejects atomic.Uint64
	trieHits     atomic.Uint64
}

// BuildIndex compiles the entries into an immutable snapshot. It fails
// fast with an error wrapping [ErrInvalidDomain] when a normalized
// entry violates DNS label rules.
func BuildIndex(entries []IndexEntry) (*Index, error) {
	idx := &Index{
		bloom: newBloomFilter(len(entries), 1e-3),
		root:  &trieNode{},
	}

	for _, e := range entries {
		domain, err := NormalizeDomain(e.Domain)
		if err != nil {
			return nil, fmt.Errorf("index entry %q: %w", e.Domain, err)
		}

		wildcard := strings.HasPrefix(domain, "*.")
		host := strings.TrimPrefix(domain, "*.")

		node := idx.root
		labels := strings.Split(host, ".")
		for i := len(labels) - 1; i >= 0; i-- {
			label := labels[i]
			if node.children == nil {
				node.children = make(map[string]*trieNode)
			}
			child, ok := node.children[label]
			if !ok {
				child = &trieNode{}
				node.children[label] = child
			}
			node = child
		}

		if wildcard {
			node.wildcard = true
			node.wildcardTag = e.Tag
		} else {
			node.end = true
			node.endTag = e.Tag
		}

		idx.bloom.add(host)
		idx.count++
	}

	return idx, nil
}

// BuildDomainIndex is a convenience wrapper that tags each entry with
// its own domain.
func BuildDomainIndex(domains []string) (*Index, error) {
	entries := make([]IndexEntry, len(domains))
	for i, d := range domains {
		entries[i] = IndexEntry{Domain: d, Tag: d}
	}
	return BuildIndex(entries)
}

// Lookup reports whether the domain is covered by any rule in the
// snapshot. It is a total function: malformed input never matches.
// Safe for concurrent use.
func (idx *Index) Lookup(domain string) Match {
	host := normalizeLookupHost(domain)
	if host == "" {
		return Match{}
	}

	// The Bloom filter holds rule domains, so it is consulted for
	// every label suffix of the query: a wildcard rule for
	// example.com must not be screened out by a query for
	// x.y.example.com.
	if !idx.bloomAdmits(host) {
		idx.bloomRejects.Add(1)
		return Match{}
	}

	labels := strings.Split(host, ".")
	node := idx.root
	var wildTag string
	var wildHit bool

	for i := len(labels) - 1; i >= 0; i-- {
		child := node.children[labels[i]]
		if child == nil {
			node = nil
			break
		}
		node = child
		// A wildcard only covers strict subdomains: at least one
		// label must remain unconsumed.
		if i > 0 && node.wildcard {
			wildHit = true
			wildTag = node.wildcardTag
		}
	}

	if node != nil && node.end {
		idx.trieHits.Add(1)
		return Match{Blocked: true, RuleTag: node.endTag}
	}
	if wildHit {
		idx.trieHits.Add(1)
		return Match{Blocked: true, RuleTag: wildTag}
	}
	return Match{}
}

// bloomAdmits probes the filter with host and each of its label
// suffixes, returning true as soon as any probe is positive.
func (idx *Index) bloomAdmits(host string) bool {
	if idx.bloom.mayContain(host) {
		return true
	}
	for i := 0; i < len(host); i++ {
		if host[i] == '.' && idx.bloom.mayContain(host[i+1:]) {
			return true
		}
	}
	return false
}

// TotalDomains returns the number of domains admitted at build time.
func (idx *Index) TotalDomains() int {
	return idx.count
}

// Stats returns a point-in-time copy of the lookup counters.
func (idx *Index) Stats() IndexStats {
	return IndexStats{
		BloomRejects: idx.bloomRejects.Load(),
		TrieHits:     idx.trieHits.Load(),
	}
}
