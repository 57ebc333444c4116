package shadowguard

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// BlockedAnswerMode selects how SynthesizeBlockedAnswer responds to a
// blocked DNS query.
type BlockedAnswerMode int

const (
	// AnswerNXDomain returns NXDOMAIN for the query.
	AnswerNXDomain BlockedAnswerMode = iota

	// AnswerNullIP answers with 0.0.0.0 (or :: for AAAA).
	AnswerNullIP
)

// SynthesizeBlockedAnswer builds a wire-format DNS response for a
// blocked query. Platform shells that prefer answering over silently
// dropping hand the query payload here and write the result back to
// the tunnel. The query must be a well-formed request; the response
// mirrors its ID and question.
func SynthesizeBlockedAnswer(query []byte, mode BlockedAnswerMode) ([]byte, error) {
	var req dns.Msg
	if err := req.Unpack(query); err != nil {
		return nil, fmt.Errorf("%w: unpack dns query: %v", ErrProtocol, err)
	}
	if req.Response {
		return nil, fmt.Errorf("%w: not a dns query", ErrProtocol)
	}
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("%w: dns query has no question", ErrProtocol)
	}

	resp := new(dns.Msg)
	resp.SetReply(&req)

	switch mode {
	case AnswerNullIP:
		q := req.Question[0]
		hdr := dns.RR_Header{
			Name:   q.Name,
			Rrtype: q.Qtype,
			Class:  q.Qclass,
			Ttl:    60,
		}
		switch q.Qtype {
		case dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.IPv4zero})
		case dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IPv6zero})
		default:
			resp.Rcode = dns.RcodeNameError
		}
	default:
		resp.Rcode = dns.RcodeNameError
	}

	packed, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: pack dns response: %v", ErrProtocol, err)
	}
	return packed, nil
}
