package shadowguard

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// maxHeaderBlock caps the header section of a plain HTTP request.
const maxHeaderBlock = 64 * 1024

// proxyConn handles one accepted client connection from first byte to
// teardown. It pins the rule snapshot taken at accept time.
type proxyConn struct {
	proxy   *Proxy
	client  net.Conn
	ruleset *Ruleset
	logger  *slog.Logger

	// targetURL is filled in as soon as a target is known, for error
	// reporting.
	targetURL string
}

func (c *proxyConn) serve() error {
	br := bufio.NewReaderSize(c.client, pumpBufferSize)

	c.client.SetReadDeadline(time.Now().Add(idleTimeout))
	line, err := readLimitedLine(br, maxRequestLine)
	if err != nil {
		c.writeSimpleResponse(400, "Bad Request")
		return fmt.Errorf("%w: request line: %v", ErrProtocol, err)
	}
	c.client.SetReadDeadline(time.Time{})

	tokens := strings.Fields(line)
	if len(tokens) != 3 {
		c.writeSimpleResponse(400, "Bad Request")
		return fmt.Errorf("%w: malformed request line", ErrProtocol)
	}
	method, target, proto := tokens[0], tokens[1], tokens[2]

	if method == "CONNECT" {
		return c.handleConnect(br, target)
	}
	return c.handleHTTP(br, method, target, proto)
}

// handleConnect runs the tunnel path. The filter decision happens
// before any response is written so a blocked tunnel sees a plain 403
// and never a 200.
func (c *proxyConn) handleConnect(br *bufio.Reader, target string) error {
	host, port := splitHostPort(target, "443")
	c.targetURL = "https://" + host + "/"

	if err := drainHeaders(br); err != nil {
		c.writeSimpleResponse(400, "Bad Request")
		return err
	}

	if d := c.ruleset.DecideDomain(host); d.Action == ActionBlock {
		c.writeBlocked(c.targetURL, host, d.Rule)
		return nil
	}

	if c.proxy.bypass.Matches(host) {
		return c.tunnelOpaque(br, host, port)
	}
	return c.tunnelMITM(br, host, port)
}

// tunnelOpaque relays the tunnel without touching the byte stream.
// Certificate-pinned apps depend on this path.
func (c *proxyConn) tunnelOpaque(br *bufio.Reader, host, port string) error {
	origin, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), originConnectTimeout)
	if err != nil {
		c.writeSimpleResponse(502, "Bad Gateway")
		return fmt.Errorf("dial origin %s: %w", host, err)
	}
	defer origin.Close()

	if _, err := io.WriteString(c.client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}
	c.proxy.events.allowed(c.targetURL)
	c.logger.Debug("bypass tunnel", "host", host)
	pump(&bufferedConn{Conn: c.client, r: br}, origin)
	return nil
}

// tunnelMITM terminates TLS on both sides of the tunnel. The client
// side uses a minted leaf; the origin side verifies against system
// trust. After both handshakes the streams are pumped opaquely, so
// HTTP/2 and websockets pass through untouched.
func (c *proxyConn) tunnelMITM(br *bufio.Reader, host, port string) error {
	if _, err := io.WriteString(c.client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}

	clientTLS := tls.Server(&bufferedConn{Conn: c.client, r: br}, &tls.Config{
		GetCertificate: c.proxy.ca.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	})
	clientTLS.SetDeadline(time.Now().Add(handshakeTimeout))
	err := clientTLS.Handshake()
	c.proxy.events.tlsHandshake(host, err == nil)
	if err != nil {
		return fmt.Errorf("%w: client handshake for %s: %v", ErrCrypto, host, err)
	}
	clientTLS.SetDeadline(time.Time{})

	// Offer the origin only the protocol the client actually
	// negotiated, otherwise the two sides can disagree on framing.
	nextProtos := []string{"http/1.1"}
	if alpn := clientTLS.ConnectionState().NegotiatedProtocol; alpn != "" {
		nextProtos = []string{alpn}
	}

	raw, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), originConnectTimeout)
	if err != nil {
		clientTLS.Close()
		return fmt.Errorf("dial origin %s: %w", host, err)
	}
	originTLS := tls.Client(raw, c.proxy.originTLSConfig(host, nextProtos))
	originTLS.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := originTLS.Handshake(); err != nil {
		originTLS.Close()
		clientTLS.Close()
		return fmt.Errorf("%w: origin handshake for %s: %v", ErrCrypto, host, err)
	}
	originTLS.SetDeadline(time.Time{})

	c.proxy.events.allowed(c.targetURL)
	c.logger.Debug("mitm tunnel", "host", host, "alpn", nextProtos[0])
	pump(clientTLS, originTLS)
	return nil
}

// originTLSConfig builds the client-side TLS config for the origin
// leg. Hostname matching can be skipped but the chain is always
// verified against the trusted roots; an invalid or expired chain is
// never accepted.
func (p *Proxy) originTLSConfig(host string, nextProtos []string) *tls.Config {
	cfg := &tls.Config{
		ServerName: host,
		NextProtos: nextProtos,
		MinVersion: tls.VersionTLS12,
		RootCAs:    p.originRoots,
	}
	if p.skipOriginHostVerify {
		roots := p.originRoots
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyOriginChain(rawCerts, roots)
		}
	}
	return cfg
}

// verifyOriginChain validates the presented certificate chain against
// the given roots (nil means system trust) without a hostname match.
func verifyOriginChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: origin presented no certificate", ErrCrypto)
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, der := range rawCerts {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("%w: parse origin certificate: %v", ErrCrypto, err)
		}
		certs = append(certs, cert)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, ic := range certs[1:] {
		opts.Intermediates.AddCert(ic)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return fmt.Errorf("%w: origin chain: %v", ErrCrypto, err)
	}
	return nil
}

// handleHTTP runs the plain-HTTP path. The full URL is available here,
// so decisions use URL rules, not just the domain index.
func (c *proxyConn) handleHTTP(br *bufio.Reader, method, target, proto string) error {
	reqURL, err := url.Parse(target)
	if err != nil || reqURL.Host == "" {
		c.writeSimpleResponse(400, "Bad Request")
		return fmt.Errorf("%w: non-absolute request target %q", ErrProtocol, target)
	}
	host, port := splitHostPort(reqURL.Host, "80")
	c.targetURL = reqURL.String()

	headers, err := readHeaderBlock(br)
	if err != nil {
		c.writeSimpleResponse(400, "Bad Request")
		return err
	}

	rtype := classifyResource(reqURL.Path)
	if hasWebsocketUpgrade(headers) {
		rtype = ResourceWebsocket
	}
	d := c.ruleset.Decide(c.targetURL, host, "", rtype)
	switch d.Action {
	case ActionBlock:
		c.writeBlocked(c.targetURL, host, d.Rule)
		return nil
	case ActionRedirect:
		c.client.Write(redirectResponse(d.RedirectTo))
		c.proxy.events.blocked(c.targetURL, d.Rule)
		c.logger.Debug("served redirect stub", "url", c.targetURL, "target", d.RedirectTo)
		return nil
	}

	origin, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), originConnectTimeout)
	if err != nil {
		c.writeSimpleResponse(502, "Bad Gateway")
		return fmt.Errorf("dial origin %s: %w", host, err)
	}
	defer origin.Close()

	// Replay the consumed request in origin form.
	pathAndQuery := reqURL.RequestURI()
	if _, err := fmt.Fprintf(origin, "%s %s %s\r\n", method, pathAndQuery, proto); err != nil {
		return err
	}
	if _, err := origin.Write(headers); err != nil {
		return err
	}

	c.proxy.events.allowed(c.targetURL)
	pump(&bufferedConn{Conn: c.client, r: br}, origin)
	return nil
}

// writeBlocked sends the canonical 403 and fires the blocked hook.
func (c *proxyConn) writeBlocked(fullURL, host, rule string) {
	body, err := c.proxy.blockPage.RenderBody(fullURL, host, rule, time.Now())
	if err != nil {
		c.logger.Warn("block page render failed", "error", err)
		body = nil
	}
	c.client.Write(BlockedResponse(body))
	c.proxy.events.blocked(fullURL, rule)
	c.logger.Info("blocked", "url", fullURL, "rule", rule)
}

func (c *proxyConn) writeSimpleResponse(status int, text string) {
	fmt.Fprintf(c.client, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", status, text)
}

// readLimitedLine reads one CRLF-terminated line, failing once the
// limit is exceeded rather than buffering unbounded input.
func readLimitedLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		if sb.Len() >= limit {
			return "", fmt.Errorf("line exceeds %d bytes", limit)
		}
		sb.WriteByte(b)
	}
}

// readHeaderBlock consumes the header section including the blank
// line and returns it verbatim for replay.
func readHeaderBlock(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := readLimitedLine(br, maxRequestLine)
		if err != nil {
			return nil, fmt.Errorf("%w: headers: %v", ErrProtocol, err)
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if buf.Len() > maxHeaderBlock {
			return nil, fmt.Errorf("%w: header block too large", ErrProtocol)
		}
		if line == "" {
			return buf.Bytes(), nil
		}
	}
}

// drainHeaders discards headers up to the blank line.
func drainHeaders(br *bufio.Reader) error {
	for {
		line, err := readLimitedLine(br, maxRequestLine)
		if err != nil {
			return fmt.Errorf("%w: headers: %v", ErrProtocol, err)
		}
		if line == "" {
			return nil
		}
	}
}

// splitHostPort splits "host[:port]", lowering the host and applying
// the default port when none is given.
func splitHostPort(target, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = target, defaultPort
	}
	return strings.ToLower(host), port
}

// classifyResource guesses a resource type from the URL path
// extension. The proxy has no initiator context, so this is the best
// signal available for $type options.
func classifyResource(p string) ResourceType {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".mjs":
		return ResourceScript
	case ".css":
		return ResourceStylesheet
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif":
		return ResourceImage
	case ".json":
		return ResourceXHR
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return ResourceFont
	case ".mp3", ".mp4", ".m4a", ".m4v", ".webm", ".ogg", ".wav", ".flac", ".mov", ".avi":
		return ResourceMedia
	case "", ".html", ".htm":
		return ResourceDocument
	default:
		return ResourceOther
	}
}

// hasWebsocketUpgrade reports whether the header block requests a
// websocket upgrade.
func hasWebsocketUpgrade(headers []byte) bool {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if strings.EqualFold(string(bytes.TrimSpace(k)), "Upgrade") &&
			strings.EqualFold(string(bytes.TrimSpace(v)), "websocket") {
			return true
		}
	}
	return false
}

// bufferedConn reads through a bufio.Reader that may already hold
// bytes consumed past the request head.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return b.Conn.Close()
}

// pump copies both directions until a side stalls past the idle
// limit, closes, or errors. The first direction to finish closes
// both connections, which ends the other direction too.
func pump(client, origin net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	closeBoth := func() {
		client.Close()
		origin.Close()
	}
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(origin, client)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		copyWithIdleTimeout(client, origin)
		closeBoth()
	}()
	wg.Wait()
}

func copyWithIdleTimeout(dst io.Writer, src net.Conn) {
	buf := make([]byte, pumpBufferSize)
	for {
		src.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
