package shadowguard

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInspector(t *testing.T, rules string) *Inspector {
	t.Helper()
	holder := NewRulesetHolder()
	holder.Swap(compileText(t, rules))
	return NewInspector(holder, testLogger())
}

func udpPacket(t testing.TB, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func tcpPacket(t testing.TB, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dstPort), PSH: true, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func dnsQuery(t testing.TB, name string) []byte {
	t.Helper()
	var msg dns.Msg
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	packed, err := msg.Pack()
	require.NoError(t, err)
	return packed
}

// clientHello assembles a minimal TLS 1.2 ClientHello record carrying
// one SNI host_name.
func clientHello(sni string) []byte {
	var hs bytes.Buffer
	hs.Write([]byte{0x03, 0x03})
	hs.Write(make([]byte, 32))
	hs.WriteByte(0)                          // session id
	hs.Write([]byte{0x00, 0x02, 0x13, 0x01}) // cipher suites
	hs.Write([]byte{0x01, 0x00})             // compression methods

	name := []byte(sni)
	var sniBody bytes.Buffer
	listLen := 3 + len(name)
	sniBody.Write([]byte{byte(listLen >> 8), byte(listLen)})
	sniBody.WriteByte(0)
	sniBody.Write([]byte{byte(len(name) >> 8), byte(len(name))})
	sniBody.Write(name)

	var exts bytes.Buffer
	exts.Write([]byte{0x00, 0x00})
	exts.Write([]byte{byte(sniBody.Len() >> 8), byte(sniBody.Len())})
	exts.Write(sniBody.Bytes())

	hs.Write([]byte{byte(exts.Len() >> 8), byte(exts.Len())})
	hs.Write(exts.Bytes())

	body := hs.Bytes()
	full := append([]byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)
	return append([]byte{0x16, 0x03, 0x01, byte(len(full) >> 8), byte(len(full))}, full...)
}

func TestClassifyDNS(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")

	blocked := udpPacket(t, 53, dnsQuery(t, "ads.example.com"))
	assert.Equal(t, VerdictDrop, insp.Classify(blocked, FamilyIPv4))

	sub := udpPacket(t, 53, dnsQuery(t, "metrics.ads.example.com"))
	assert.Equal(t, VerdictDrop, insp.Classify(sub, FamilyIPv4))

	benign := udpPacket(t, 53, dnsQuery(t, "good.example.org"))
	assert.Equal(t, VerdictForward, insp.Classify(benign, FamilyIPv4))
}

func TestClassifyDNSResponseForwards(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")

	var msg dns.Msg
	msg.SetQuestion("ads.example.com.", dns.TypeA)
	resp := new(dns.Msg).SetReply(&msg)
	packed, err := resp.Pack()
	require.NoError(t, err)

	pkt := udpPacket(t, 53, packed)
	assert.Equal(t, VerdictForward, insp.Classify(pkt, FamilyIPv4))
}

func TestClassifySNI(t *testing.T) {
	insp := newTestInspector(t, "||tracker.net^")

	blocked := tcpPacket(t, 443, clientHello("tracker.net"))
	assert.Equal(t, VerdictDrop, insp.Classify(blocked, FamilyIPv4))

	sub := tcpPacket(t, 443, clientHello("cdn.tracker.net"))
	assert.Equal(t, VerdictDrop, insp.Classify(sub, FamilyIPv4))

	benign := tcpPacket(t, 443, clientHello("example.org"))
	assert.Equal(t, VerdictForward, insp.Classify(benign, FamilyIPv4))
}

func TestClassifyHTTPHost(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")

	req := []byte("GET /pixel.gif HTTP/1.1\r\nUser-Agent: x\r\nHost: ads.example.com:80\r\n\r\n")
	assert.Equal(t, VerdictDrop, insp.Classify(tcpPacket(t, 80, req), FamilyIPv4))

	benign := []byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n")
	assert.Equal(t, VerdictForward, insp.Classify(tcpPacket(t, 80, benign), FamilyIPv4))

	noHost := []byte("GET / HTTP/1.1\r\nUser-Agent: x\r\n\r\n")
	assert.Equal(t, VerdictForward, insp.Classify(tcpPacket(t, 80, noHost), FamilyIPv4))
}

func TestClassifyNeverDropsOnParseFailure(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")

	cases := map[string][]byte{
		"empty":            {},
		"garbage":          {0xde, 0xad, 0xbe, 0xef},
		"truncated header": {0x45, 0x00, 0x00},
		"dns garbage":      udpPacket(t, 53, []byte{0x01, 0x02}),
		"tls garbage":      tcpPacket(t, 443, []byte("not a hello")),
		"bare syn":         tcpPacket(t, 443, nil),
		"other port":       tcpPacket(t, 8080, []byte("Host: ads.example.com\r\n\r\n")),
	}
	for name, pkt := range cases {
		assert.Equal(t, VerdictForward, insp.Classify(pkt, FamilyIPv4), name)
	}
}

func TestClassifyIPv6Forwards(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")
	assert.Equal(t, VerdictForward, insp.Classify([]byte{0x60, 0, 0, 0}, FamilyIPv6))
}

func TestClassifyAllowRuleForwards(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^\n@@||ads.example.com^\n")
	pkt := udpPacket(t, 53, dnsQuery(t, "ads.example.com"))
	assert.Equal(t, VerdictForward, insp.Classify(pkt, FamilyIPv4))
}

func TestInspectorStats(t *testing.T) {
	insp := newTestInspector(t, "||ads.example.com^")

	insp.Classify(udpPacket(t, 53, dnsQuery(t, "ads.example.com")), FamilyIPv4)
	insp.Classify(udpPacket(t, 53, dnsQuery(t, "example.org")), FamilyIPv4)
	insp.Classify([]byte{0x00}, FamilyIPv4)

	stats := insp.Stats()
	assert.Equal(t, uint64(3), stats.Inspected)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestParseDNSQuestionRejectsCompression(t *testing.T) {
	// Header + a question name that starts with a compression pointer.
	payload := make([]byte, dnsHeaderLen)
	payload[5] = 1 // QDCOUNT
	payload = append(payload, 0xc0, 0x0c)

	_, err := parseDNSQuestion(payload)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseDNSQuestionTruncated(t *testing.T) {
	for _, payload := range [][]byte{
		nil,
		make([]byte, 5),
		append(append(make([]byte, 0), []byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}...), 30, 'a'),
	} {
		if _, err := parseDNSQuestion(payload); err == nil {
			t.Errorf("parseDNSQuestion(%v) succeeded, want error", payload)
		}
	}
}

func TestParseClientHelloSNI(t *testing.T) {
	name, err := parseClientHelloSNI(clientHello("WWW.Example.COM"))
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", name)

	_, err = parseClientHelloSNI([]byte{0x17, 0x03, 0x03, 0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrProtocol)

	hello := clientHello("example.com")
	_, err = parseClientHelloSNI(hello[:20])
	assert.Error(t, err)
}

func TestParseHTTPHost(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"simple", "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n", "example.com", false},
		{"case insensitive", "GET / HTTP/1.1\r\nhOsT: Example.COM\r\n\r\n", "example.com", false},
		{"port stripped", "GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n", "example.com", false},
		{"lf only", "GET / HTTP/1.1\nHost: example.com\n\n", "example.com", false},
		{"host after body ignored", "GET / HTTP/1.1\r\n\r\nHost: example.com\r\n", "", true},
		{"no host", "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n", "", true},
		{"empty host", "GET / HTTP/1.1\r\nHost: \r\n\r\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHTTPHost([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSynthesizeBlockedAnswerNXDomain(t *testing.T) {
	query := dnsQuery(t, "ads.example.com")

	answer, err := SynthesizeBlockedAnswer(query, AnswerNXDomain)
	require.NoError(t, err)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(answer))
	assert.True(t, resp.Response)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Question, 1)
	assert.Equal(t, "ads.example.com.", resp.Question[0].Name)
}

func TestSynthesizeBlockedAnswerNullIP(t *testing.T) {
	query := dnsQuery(t, "ads.example.com")

	answer, err := SynthesizeBlockedAnswer(query, AnswerNullIP)
	require.NoError(t, err)

	var resp dns.Msg
	require.NoError(t, resp.Unpack(answer))
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.True(t, a.A.IsUnspecified())
}

func TestSynthesizeBlockedAnswerRejectsResponses(t *testing.T) {
	var msg dns.Msg
	msg.SetQuestion("x.test.", dns.TypeA)
	resp := new(dns.Msg).SetReply(&msg)
	packed, err := resp.Pack()
	require.NoError(t, err)

	_, err = SynthesizeBlockedAnswer(packed, AnswerNXDomain)
	assert.ErrorIs(t, err, ErrProtocol)
}
