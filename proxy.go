package shadowguard

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Proxy timeouts and limits. These match what the platform shells
// expect; changing them is a behavior change, not a tuning knob.
const (
	// DefaultProxyAddr is the loopback listen address.
	DefaultProxyAddr = "127.0.0.1:8899"

	// maxRequestLine caps the first line of a proxied request.
	maxRequestLine = 16 * 1024

	// handshakeTimeout bounds both TLS handshakes.
	handshakeTimeout = 30 * time.Second

	// originConnectTimeout bounds the TCP dial to the origin.
	originConnectTimeout = 5 * time.Second

	// idleTimeout is the per-direction stall limit while pumping.
	idleTimeout = 120 * time.Second

	// pumpBufferSize is the copy buffer for relay pumps.
	pumpBufferSize = 64 * 1024

	// DefaultMaxConns caps concurrent proxied connections.
	DefaultMaxConns = 1024
)

// ProxyOptions configures a Proxy beyond its required collaborators.
type ProxyOptions struct {
	// Addr is the listen address. Defaults to DefaultProxyAddr.
	Addr string

	// Bypass holds domains relayed without interception.
	Bypass *BypassList

	// Events receives statistics callbacks. May be nil.
	Events *ProxyEvents

	// BlockPage renders blocked-request bodies. Defaults to the
	// built-in page.
	BlockPage *BlockPage

	// MaxConns caps concurrent connections. Defaults to
	// DefaultMaxConns. Excess connections are closed on accept.
	MaxConns int

	// SkipOriginHostVerify skips matching the origin certificate
	// against the dialed hostname. The chain must still verify
	// against the trusted roots; an invalid or expired chain is
	// always rejected.
	SkipOriginHostVerify bool

	// OriginRoots overrides the root pool used to verify origin
	// certificates. Nil means the system trust store.
	OriginRoots *x509.CertPool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Proxy is the local interception proxy. Plain HTTP requests are
// filtered per URL; CONNECT tunnels are either bypassed, blocked, or
// terminated locally with a minted certificate and relayed over a
// second TLS session to the origin.
type Proxy struct {
	addr      string
	ca        *CertAuthority
	rules     *RulesetHolder
	bypass    *BypassList
	events    *ProxyEvents
	blockPage *BlockPage
	maxConns  int
	logger    *slog.Logger

	skipOriginHostVerify bool
	originRoots          *x509.CertPool

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]net.Conn
	nextID   atomic.Uint64
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewProxy builds a proxy around a certificate authority and a rule
// snapshot holder. Neither may be nil.
func NewProxy(ca *CertAuthority, rules *RulesetHolder, opts ProxyOptions) *Proxy {
	if opts.Addr == "" {
		opts.Addr = DefaultProxyAddr
	}
	if opts.BlockPage == nil {
		opts.BlockPage = NewBlockPage()
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Proxy{
		addr:      opts.Addr,
		ca:        ca,
		rules:     rules,
		bypass:    opts.Bypass,
		events:    opts.Events,
		blockPage: opts.BlockPage,
		maxConns:  opts.MaxConns,
		logger:    opts.Logger,

		skipOriginHostVerify: opts.SkipOriginHostVerify,
		originRoots:          opts.OriginRoots,
	}
}

// Addr returns the bound listen address. Before Start it returns the
// configured address; after, the actual one (useful with port 0).
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.addr
}

// Start binds the listener and begins accepting connections. It
// returns once the socket is bound; serving happens on background
// goroutines. Calling Start on a running proxy is an error.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%w: proxy already started", ErrConfig)
	}
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.listener = ln
	p.conns = make(map[uint64]net.Conn)
	p.running = true
	p.cancel = cancel

	p.wg.Add(1)
	go p.acceptLoop(ctx, ln)

	p.logger.Info("proxy listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener and every tracked connection, then waits
// for connection goroutines to drain. Safe to call more than once.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	err := p.listener.Close()
	for _, c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("proxy stopped")
	return err
}

// ReloadRules publishes a new snapshot. Connections already in flight
// keep the snapshot they pinned at accept time.
func (p *Proxy) ReloadRules(rs *Ruleset) {
	p.rules.Swap(rs)
	p.logger.Info("rules reloaded", "rules", rs.RuleCount(), "skipped", rs.SkippedCount())
}

// ConnCount returns the number of live proxied connections.
func (p *Proxy) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn("accept failed", "error", err)
			continue
		}
		id, ok := p.register(conn)
		if !ok {
			conn.Close()
			p.logger.Warn("connection limit reached", "limit", p.maxConns)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.unregister(id)
			p.serveConn(conn)
		}()
	}
}

func (p *Proxy) register(conn net.Conn) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || len(p.conns) >= p.maxConns {
		return 0, false
	}
	id := p.nextID.Add(1)
	p.conns[id] = conn
	return id, true
}

func (p *Proxy) unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
}

func (p *Proxy) serveConn(conn net.Conn) {
	defer conn.Close()

	// Pin the snapshot once. A reload mid-connection must not change
	// decisions for requests already streaming through it.
	c := &proxyConn{
		proxy:   p,
		client:  conn,
		ruleset: p.rules.Load(),
		logger:  p.logger.With("remote", conn.RemoteAddr().String()),
	}
	if err := c.serve(); err != nil {
		p.events.errored(c.targetURL, err)
		c.logger.Debug("connection closed", "error", err)
	}
}
