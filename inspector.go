package shadowguard

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Family tags the IP version of a raw packet handed to the inspector.
type Family int

// Supported IP families.
const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// Verdict is the inspector's answer for one packet.
type Verdict int

const (
	// VerdictForward re-injects the packet unchanged.
	VerdictForward Verdict = iota

	// VerdictDrop discards the packet because its destination domain
	// is covered by a block rule.
	VerdictDrop
)

// String returns "forward" or "drop".
func (v Verdict) String() string {
	if v == VerdictDrop {
		return "drop"
	}
	return "forward"
}

// InspectorStats holds the monotonic packet counters.
type InspectorStats struct {
	Inspected uint64
	Dropped   uint64
}

// Inspector classifies raw IP packets by the earliest layer that
// reveals a hostname: a DNS question, a TLS ClientHello SNI, or a
// plaintext Host header. Classification is stateless per packet; any
// parse failure forwards the packet, blocking requires a positive
// identification.
type Inspector struct {
	rules  *RulesetHolder
	logger *slog.Logger

	inspected atomic.Uint64
	dropped   atomic.Uint64

	parsers sync.Pool
}

// decodeState bundles one reusable gopacket parser with its layer
// storage. DecodingLayerParser is not safe for concurrent use, so
// states are pooled per call.
type decodeState struct {
	parser  *gopacket.DecodingLayerParser
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// NewInspector builds an inspector reading rule snapshots from holder.
func NewInspector(holder *RulesetHolder, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	insp := &Inspector{rules: holder, logger: logger}
	insp.parsers.New = func() any {
		st := &decodeState{}
		st.parser = gopacket.NewDecodingLayerParser(
			layers.LayerTypeIPv4, &st.ip4, &st.tcp, &st.udp, &st.payload)
		st.parser.IgnoreUnsupported = true
		return st
	}
	return insp
}

// Classify inspects one raw IP datagram and returns the verdict. It is
// safe for concurrent use; each call reads a single rule snapshot.
func (insp *Inspector) Classify(pkt []byte, family Family) Verdict {
	insp.inspected.Add(1)

	// IPv6 flows are forwarded untouched for now; the proxy still
	// covers them once the platform redirects the TCP stream.
	if family != FamilyIPv4 {
		return VerdictForward
	}

	domain, ok := insp.extractDomain(pkt)
	if !ok {
		return VerdictForward
	}

	decision := insp.rules.Load().DecideDomain(domain)
	if decision.Action != ActionBlock {
		return VerdictForward
	}

	insp.dropped.Add(1)
	insp.logger.Debug("packet dropped",
		slog.String("domain", domain),
		slog.String("rule", decision.Rule))
	return VerdictDrop
}

// extractDomain walks IPv4 → TCP/UDP and sniffs the payload for a
// hostname. ok is false whenever anything fails to parse.
func (insp *Inspector) extractDomain(pkt []byte) (string, bool) {
	st := insp.parsers.Get().(*decodeState)
	defer insp.parsers.Put(st)

	st.decoded = st.decoded[:0]
	if err := st.parser.DecodeLayers(pkt, &st.decoded); err != nil {
		return "", false
	}

	var (
		haveTCP, haveUDP bool
		payload          []byte
	)
	for _, lt := range st.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		case gopacket.LayerTypePayload:
			payload = st.payload
		}
	}
	if len(payload) == 0 {
		return "", false
	}

	var (
		name string
		err  error
	)
	switch {
	case haveUDP && st.udp.DstPort == 53:
		name, err = parseDNSQuestion(payload)
	case haveTCP && st.tcp.DstPort == 443:
		name, err = parseClientHelloSNI(payload)
	case haveTCP && st.tcp.DstPort == 80:
		name, err = parseHTTPHost(payload)
	default:
		return "", false
	}
	if err != nil {
		return "", false
	}

	host := normalizeLookupHost(name)
	if host == "" {
		return "", false
	}
	return host, true
}

// Stats returns a point-in-time copy of the packet counters.
func (insp *Inspector) Stats() InspectorStats {
	return InspectorStats{
		Inspected: insp.inspected.Load(),
		Dropped:   insp.dropped.Load(),
	}
}
