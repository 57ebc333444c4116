package shadowguard

import (
	"bytes"
	"fmt"
	"strings"
)

// Payload sniffers for the packet path. Each returns the hostname the
// payload is addressed to, or an error when the bytes do not contain a
// well-formed question/hello/request. Callers treat every error as
// "forward".

const dnsHeaderLen = 12

// parseDNSQuestion decodes the QNAME of the first question in a DNS
// query. Responses (QR=1), empty question sections and compression
// pointers are rejected; queries do not legitimately compress the
// question name.
func parseDNSQuestion(payload []byte) (string, error) {
	if len(payload) < dnsHeaderLen {
		return "", fmt.Errorf("%w: dns message truncated", ErrProtocol)
	}
	if payload[2]&0x80 != 0 {
		return "", fmt.Errorf("%w: dns message is a response", ErrProtocol)
	}
	qdcount := int(payload[4])<<8 | int(payload[5])
	if qdcount < 1 {
		return "", fmt.Errorf("%w: dns query has no question", ErrProtocol)
	}

	var sb strings.Builder
	i := dnsHeaderLen
	for {
		if i >= len(payload) {
			return "", fmt.Errorf("%w: qname truncated", ErrProtocol)
		}
		n := int(payload[i])
		if n == 0 {
			break
		}
		if n&0xc0 != 0 {
			return "", fmt.Errorf("%w: compression pointer in question", ErrProtocol)
		}
		i++
		if i+n > len(payload) {
			return "", fmt.Errorf("%w: qname label truncated", ErrProtocol)
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.Write(payload[i : i+n])
		i += n
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty qname", ErrProtocol)
	}
	return strings.ToLower(sb.String()), nil
}

// TLS record and handshake framing constants.
const (
	tlsRecordHeaderLen    = 5
	tlsContentHandshake   = 0x16
	tlsHandshakeHello     = 0x01
	tlsExtensionSNI       = 0x0000
	tlsSNITypeHostName    = 0
	tlsHandshakeHeaderLen = 4
)

// parseClientHelloSNI walks a TLS ClientHello in the first record of a
// TCP payload and returns the first host_name entry of the SNI
// extension.
func parseClientHelloSNI(payload []byte) (string, error) {
	if len(payload) < tlsRecordHeaderLen {
		return "", fmt.Errorf("%w: tls record truncated", ErrProtocol)
	}
	if payload[0] != tlsContentHandshake || payload[1] != 0x03 {
		return "", fmt.Errorf("%w: not a tls handshake record", ErrProtocol)
	}
	recordLen := int(payload[3])<<8 | int(payload[4])
	record := payload[tlsRecordHeaderLen:]
	if recordLen < len(record) {
		record = record[:recordLen]
	}

	if len(record) < tlsHandshakeHeaderLen || record[0] != tlsHandshakeHello {
		return "", fmt.Errorf("%w: not a client hello", ErrProtocol)
	}
	b := record[tlsHandshakeHeaderLen:]

	// client_version(2) random(32)
	if len(b) < 34 {
		return "", fmt.Errorf("%w: client hello truncated", ErrProtocol)
	}
	b = b[34:]

	// session_id
	if len(b) < 1 {
		return "", fmt.Errorf("%w: client hello truncated", ErrProtocol)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", fmt.Errorf("%w: session id truncated", ErrProtocol)
	}
	b = b[1+n:]

	// cipher_suites
	if len(b) < 2 {
		return "", fmt.Errorf("%w: client hello truncated", ErrProtocol)
	}
	n = int(b[0])<<8 | int(b[1])
	if len(b) < 2+n {
		return "", fmt.Errorf("%w: cipher suites truncated", ErrProtocol)
	}
	b = b[2+n:]

	// compression_methods
	if len(b) < 1 {
		return "", fmt.Errorf("%w: client hello truncated", ErrProtocol)
	}
	n = int(b[0])
	if len(b) < 1+n {
		return "", fmt.Errorf("%w: compression methods truncated", ErrProtocol)
	}
	b = b[1+n:]

	// extensions
	if len(b) < 2 {
		return "", fmt.Errorf("%w: no extensions", ErrProtocol)
	}
	extLen := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if extLen < len(b) {
		b = b[:extLen]
	}

	for len(b) >= 4 {
		extType := int(b[0])<<8 | int(b[1])
		size := int(b[2])<<8 | int(b[3])
		b = b[4:]
		if len(b) < size {
			return "", fmt.Errorf("%w: extension truncated", ErrProtocol)
		}
		if extType == tlsExtensionSNI {
			return parseSNIExtension(b[:size])
		}
		b = b[size:]
	}
	return "", fmt.Errorf("%w: no sni extension", ErrProtocol)
}

func parseSNIExtension(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("%w: sni list truncated", ErrProtocol)
	}
	listLen := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if listLen < len(b) {
		b = b[:listLen]
	}
	for len(b) >= 3 {
		nameType := b[0]
		size := int(b[1])<<8 | int(b[2])
		b = b[3:]
		if len(b) < size {
			return "", fmt.Errorf("%w: sni name truncated", ErrProtocol)
		}
		if nameType == tlsSNITypeHostName {
			return strings.ToLower(string(b[:size])), nil
		}
		b = b[size:]
	}
	return "", fmt.Errorf("%w: no host_name entry", ErrProtocol)
}

// parseHTTPHost scans a plaintext HTTP request payload for the Host
// header, stopping at the header/body boundary.
func parseHTTPHost(payload []byte) (string, error) {
	rest := payload
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i]
			rest = rest[i+1:]
		} else {
			rest = nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			break
		}

		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		if !strings.EqualFold(string(line[:i]), "Host") {
			continue
		}
		host := strings.TrimSpace(string(line[i+1:]))
		if host == "" {
			return "", fmt.Errorf("%w: empty host header", ErrProtocol)
		}
		return strings.ToLower(stripPort(host)), nil
	}
	return "", fmt.Errorf("%w: no host header", ErrProtocol)
}

// stripPort removes a trailing :port from a host if present.
func stripPort(host string) string {
	i := strings.LastIndexByte(host, ':')
	if i < 0 || !isAllDigits(host[i+1:]) {
		return host
	}
	return host[:i]
}
