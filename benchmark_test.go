package shadowguard

import (
	"fmt"
	"strings"
	"testing"
)

func benchIndex(b *testing.B, n int) *Index {
	b.Helper()
	entries := make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, IndexEntry{
			Domain: fmt.Sprintf("ads%d.example.com", i),
			Tag:    fmt.Sprintf("||ads%d.example.com^", i),
		})
	}
	idx, err := BuildIndex(entries)
	if err != nil {
		b.Fatal(err)
	}
	return idx
}

func benchRuleset(b *testing.B, n int) *Ruleset {
	b.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "||ads%d.example.com^\n", i)
	}
	sb.WriteString("@@||cdn.example.com^\n")
	sb.WriteString("/banner/*$script,redirect=noopjs\n")

	rs, err := CompileRules([]RuleSourceText{{ID: "bench", Enabled: true, Text: sb.String()}}, testLogger())
	if err != nil {
		b.Fatal(err)
	}
	return rs
}

func BenchmarkIndexLookupHit(b *testing.B) {
	idx := benchIndex(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Lookup("ads5000.example.com")
	}
}

func BenchmarkIndexLookupMiss(b *testing.B) {
	// Misses should die in the Bloom filter before touching the trie.
	idx := benchIndex(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Lookup("benign.example.org")
	}
}

func BenchmarkIndexLookupSubdomain(b *testing.B) {
	idx := benchIndex(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Lookup("metrics.tracker.ads123.example.com")
	}
}

func BenchmarkRulesetDecideDomain(b *testing.B) {
	rs := benchRuleset(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rs.DecideDomain("ads42.example.com")
	}
}

func BenchmarkRulesetDecideURL(b *testing.B) {
	rs := benchRuleset(b, 10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rs.Decide("http://site.example.org/banner/top.js", "site.example.org", "", ResourceScript)
	}
}

func BenchmarkCompileRules(b *testing.B) {
	var sb strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&sb, "||ads%d.example.com^\n", i)
	}
	text := sb.String()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := CompileRules([]RuleSourceText{{ID: "bench", Enabled: true, Text: text}}, testLogger()); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInspectorClassifyDNS(b *testing.B) {
	holder := NewRulesetHolder()
	rs, err := CompileRules([]RuleSourceText{{ID: "bench", Enabled: true, Text: "||ads.example.com^"}}, testLogger())
	if err != nil {
		b.Fatal(err)
	}
	holder.Swap(rs)
	insp := NewInspector(holder, testLogger())

	pkt := udpPacket(b, 53, dnsQuery(b, "ads.example.com"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		insp.Classify(pkt, FamilyIPv4)
	}
}

func BenchmarkMintLeafCached(b *testing.B) {
	ca := NewCertAuthority(NewMemoryKeyStore(), CAOptions{KeyType: KeyTypeECDSA})
	if err := ca.LoadOrCreateRoot(); err != nil {
		b.Fatal(err)
	}
	if _, err := ca.MintLeaf("example.com"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ca.MintLeaf("example.com"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCompressGzip(b *testing.B) {
	data := []byte(strings.Repeat("||ads.example.com^\n", 2000))
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := CompressBytes(data, EncodingGzip); err != nil {
			b.Fatal(err)
		}
	}
}
