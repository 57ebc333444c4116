package shadowguard

import (
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "example.com", "example.com", false},
		{"uppercase", "EXAMPLE.Com", "example.com", false},
		{"trailing dot", "example.com.", "example.com", false},
		{"surrounding space", "  example.com  ", "example.com", false},
		{"scheme stripped", "https://example.com/path", "example.com", false},
		{"port stripped", "example.com:8443", "example.com", false},
		{"adblock anchor stripped", "||ads.example.com^", "ads.example.com", false},
		{"wildcard preserved", "*.Example.com", "*.example.com", false},
		{"single label", "localhost", "localhost", false},
		{"digits and dashes", "a1-b2.example.com", "a1-b2.example.com", false},
		{"empty", "", "", true},
		{"only dot", ".", "", true},
		{"space inside", "exa mple.com", "", true},
		{"underscore", "exa_mple.com", "", true},
		{"leading dash label", "-bad.example.com", "", true},
		{"trailing dash label", "bad-.example.com", "", true},
		{"empty label", "bad..example.com", "", true},
		{"bare wildcard", "*.", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeDomain(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeDomain(%q) = %q, want error", tt.in, got)
				}
				if !errors.Is(err, ErrInvalidDomain) {
					t.Errorf("error %v does not wrap ErrInvalidDomain", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeDomain(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeDomainLengthLimits(t *testing.T) {
	long := ""
	for i := 0; i < 64; i++ {
		long += "a"
	}
	if _, err := NormalizeDomain(long + ".example.com"); err == nil {
		t.Error("64-char label accepted")
	}

	// 4*63 + 3 dots = 255 > 253.
	label63 := long[:63]
	oversized := label63 + "." + label63 + "." + label63 + "." + label63
	if _, err := NormalizeDomain(oversized); err == nil {
		t.Error("254+ char domain accepted")
	}
}

func TestIndexLookupExactAndWildcard(t *testing.T) {
	idx, err := BuildIndex([]IndexEntry{
		{Domain: "ads.example.com", Tag: "exact-rule"},
		{Domain: "*.tracker.net", Tag: "wild-rule"},
		{Domain: "doubleclick.net", Tag: "dc"},
	})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	tests := []struct {
		domain  string
		blocked bool
		tag     string
	}{
		{"ads.example.com", true, "exact-rule"},
		{"ADS.EXAMPLE.COM.", true, "exact-rule"},
		{"example.com", false, ""},
		{"sub.ads.example.com", false, ""},
		{"tracker.net", false, ""}, // wildcard covers strict subdomains only
		{"a.tracker.net", true, "wild-rule"},
		{"x.y.z.tracker.net", true, "wild-rule"},
		{"doubleclick.net", true, "dc"},
		{"nodoubleclick.net", false, ""},
		{"", false, ""},
		{"not a domain", false, ""},
	}

	for _, tt := range tests {
		got := idx.Lookup(tt.domain)
		if got.Blocked != tt.blocked || got.RuleTag != tt.tag {
			t.Errorf("Lookup(%q) = %+v, want blocked=%v tag=%q", tt.domain, got, tt.blocked, tt.tag)
		}
	}
}

func TestIndexExactBeatsWildcard(t *testing.T) {
	idx, err := BuildIndex([]IndexEntry{
		{Domain: "*.example.com", Tag: "wild"},
		{Domain: "cdn.example.com", Tag: "exact"},
	})
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	if got := idx.Lookup("cdn.example.com"); got.RuleTag != "exact" {
		t.Errorf("Lookup(cdn.example.com) tag = %q, want exact", got.RuleTag)
	}
	if got := idx.Lookup("img.example.com"); got.RuleTag != "wild" {
		t.Errorf("Lookup(img.example.com) tag = %q, want wild", got.RuleTag)
	}
}

func TestIndexWildcardDeepSubdomain(t *testing.T) {
	// The Bloom filter must not screen out deep subdomains of a
	// wildcard rule's base domain.
	idx, err := BuildDomainIndex([]string{"*.example.com"})
	if err != nil {
		t.Fatalf("BuildDomainIndex failed: %v", err)
	}

	for _, domain := range []string{
		"a.example.com",
		"a.b.example.com",
		"a.b.c.d.e.example.com",
	} {
		if got := idx.Lookup(domain); !got.Blocked {
			t.Errorf("Lookup(%q) not blocked", domain)
		}
	}
}

func TestIndexRejectsInvalidEntry(t *testing.T) {
	_, err := BuildIndex([]IndexEntry{{Domain: "bad domain", Tag: "x"}})
	if err == nil {
		t.Fatal("BuildIndex accepted an invalid domain")
	}
	if !errors.Is(err, ErrInvalidDomain) {
		t.Errorf("error %v does not wrap ErrInvalidDomain", err)
	}
}

func TestIndexStatsCounters(t *testing.T) {
	idx, err := BuildDomainIndex([]string{"blocked.example"})
	if err != nil {
		t.Fatalf("BuildDomainIndex failed: %v", err)
	}

	idx.Lookup("blocked.example")
	idx.Lookup("blocked.example")
	idx.Lookup("definitely-absent.invalid")

	stats := idx.Stats()
	if stats.TrieHits != 2 {
		t.Errorf("TrieHits = %d, want 2", stats.TrieHits)
	}
	// The absent lookup is overwhelmingly likely to be a Bloom
	// reject, but a false positive is legal; just check consistency.
	if stats.BloomRejects > 1 {
		t.Errorf("BloomRejects = %d, want 0 or 1", stats.BloomRejects)
	}
	if idx.TotalDomains() != 1 {
		t.Errorf("TotalDomains = %d, want 1", idx.TotalDomains())
	}
}

func TestIndexEmptySnapshot(t *testing.T) {
	idx, err := BuildIndex(nil)
	if err != nil {
		t.Fatalf("BuildIndex(nil) failed: %v", err)
	}
	if got := idx.Lookup("example.com"); got.Blocked {
		t.Error("empty index blocked a domain")
	}
	if idx.TotalDomains() != 0 {
		t.Errorf("TotalDomains = %d, want 0", idx.TotalDomains())
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 1e-3)

	members := make([]string, 1000)
	for i := range members {
		members[i] = fmt.Sprintf("host-%d.example.com", i)
		bf.add(members[i])
	}
	for _, m := range members {
		if !bf.mayContain(m) {
			t.Fatalf("false negative for %q", m)
		}
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	bf := newBloomFilter(1000, 1e-3)
	for i := 0; i < 1000; i++ {
		bf.add(fmt.Sprintf("member-%d.example.com", i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if bf.mayContain(fmt.Sprintf("absent-%d.example.org", i)) {
			falsePositives++
		}
	}
	// Target rate is 1e-3; allow a generous margin before failing.
	if falsePositives > probes/100 {
		t.Errorf("false positive rate %d/%d exceeds 1%%", falsePositives, probes)
	}
}

func TestBloomFilterTinySizing(t *testing.T) {
	// Degenerate expected counts must still produce a usable filter.
	for _, n := range []int{0, 1} {
		bf := newBloomFilter(n, 1e-3)
		bf.add("example.com")
		if !bf.mayContain("example.com") {
			t.Errorf("n=%d: added member not found", n)
		}
	}
}

func BenchmarkIndexLookup(b *testing.B) {
	entries := make([]IndexEntry, 0, 10000)
	for i := 0; i < 10000; i++ {
		entries = append(entries, IndexEntry{
			Domain: fmt.Sprintf("ads%d.example.com", i),
			Tag:    "bench",
		})
	}
	idx, err := BuildIndex(entries)
	if err != nil {
		b.Fatalf("BuildIndex failed: %v", err)
	}

	b.Run("hit", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			idx.Lookup("ads5000.example.com")
		}
	})
	b.Run("miss", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			idx.Lookup("benign.example.org")
		}
	})
}
