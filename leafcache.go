package shadowguard

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"math/big"
	"sort"
	"sync"
	"time"
)

// Default leaf cache limits. Both are configurable through [Config].
const (
	DefaultLeafTTL      = 24 * time.Hour
	DefaultLeafCacheMax = 1000
)

// LeafCert is a minted per-host server certificate together with its
// private key and the chain presented to clients.
type LeafCert struct {
	// Domain the leaf was minted for. The SAN covers Domain and
	// "*."+Domain.
	Domain string

	// CertDER is the leaf certificate in DER form.
	CertDER []byte

	// Chain is [leaf, root] in DER form.
	Chain [][]byte

	// Key is the leaf private key.
	Key crypto.Signer

	// IssuedAt is the mint time, used for TTL and eviction ordering.
	IssuedAt time.Time
}

// TLS converts the entry to a tls.Certificate usable in a server
// config.
func (lc *LeafCert) TLS() *tls.Certificate {
	return &tls.Certificate{
		Certificate: lc.Chain,
		PrivateKey:  lc.Key,
	}
}

// leafCache caches minted leaves by domain with a TTL and a soft size
// cap. On overflow the oldest quarter of the entries (by issue time)
// is evicted. All operations hold a single mutex for O(1) map work;
// eviction additionally sorts at most max entries.
type leafCache struct {
	mu      sync.Mutex
	entries map[string]*LeafCert
	ttl     time.Duration
	max     int

	hits   uint64
	misses uint64
}

func newLeafCache(ttl time.Duration, max int) *leafCache {
	if ttl <= 0 {
		ttl = DefaultLeafTTL
	}
	if max <= 0 {
		max = DefaultLeafCacheMax
	}
	return &leafCache{
		entries: make(map[string]*LeafCert),
		ttl:     ttl,
		max:     max,
	}
}

// get returns a live cached leaf, expiring stale entries on the way.
func (c *leafCache) get(domain string, now time.Time) (*LeafCert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	leaf, ok := c.entries[domain]
	if !ok {
		c.misses++
		return nil, false
	}
	if now.Sub(leaf.IssuedAt) >= c.ttl {
		delete(c.entries, domain)
		zeroPrivateKey(leaf.Key)
		c.misses++
		return nil, false
	}
	c.hits++
	return leaf, true
}

// put inserts a freshly minted leaf, evicting the oldest 25% when the
// cache is at capacity.
func (c *leafCache) put(leaf *LeafCert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[leaf.Domain]; ok && old != leaf {
		zeroPrivateKey(old.Key)
	}
	c.entries[leaf.Domain] = leaf

	if len(c.entries) < c.max {
		return
	}

	byAge := make([]*LeafCert, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].IssuedAt.Before(byAge[j].IssuedAt)
	})
	evict := len(byAge) / 4
	if evict < 1 {
		evict = 1
	}
	for _, e := range byAge[:evict] {
		delete(c.entries, e.Domain)
		zeroPrivateKey(e.Key)
	}
}

// flush removes every entry, zeroing the keys.
func (c *leafCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for domain, e := range c.entries {
		delete(c.entries, domain)
		zeroPrivateKey(e.Key)
	}
}

func (c *leafCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *leafCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// zeroPrivateKey overwrites the secret scalars of a private key. Best
// effort: the runtime may hold other copies, but evicted cache entries
// should not keep live key material reachable.
func zeroPrivateKey(key crypto.Signer) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		zeroBigInt(k.D)
		for _, p := range k.Primes {
			zeroBigInt(p)
		}
		zeroBigInt(k.Precomputed.Dp)
		zeroBigInt(k.Precomputed.Dq)
		zeroBigInt(k.Precomputed.Qinv)
	case *ecdsa.PrivateKey:
		zeroBigInt(k.D)
	}
}

func zeroBigInt(n *big.Int) {
	if n == nil {
		return
	}
	bits := n.Bits()
	for i := range bits {
		bits[i] = 0
	}
}
