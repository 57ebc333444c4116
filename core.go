package shadowguard

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Core wires the certificate authority, rule engine, interception
// proxy, packet inspector, and admin surface into one lifecycle. The
// platform shells construct a Core, start it, and feed packets to its
// Inspector while the proxy serves redirected flows.
type Core struct {
	cfg    *Config
	logger *slog.Logger

	ca        *CertAuthority
	rules     *RulesetHolder
	inspector *Inspector
	proxy     *Proxy
	metrics   *Metrics
	decisions *DecisionLog
	health    *HealthChecker
	admin     *AdminServer
	sources   []RuleSource

	rulesLoaded atomic.Bool

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	reloadWG sync.WaitGroup
}

// New builds a Core from configuration. The key store holds the root
// certificate material; logger may be nil to use slog.Default.
func New(cfg *Config, store KeyStore, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bypass, err := cfg.BuildBypassList()
	if err != nil {
		return nil, err
	}
	blockPage, err := cfg.BuildBlockPage()
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:       cfg,
		logger:    logger,
		ca:        NewCertAuthority(store, cfg.BuildCAOptions()),
		rules:     NewRulesetHolder(),
		metrics:   NewMetrics(),
		decisions: NewDecisionLog(logger, 0),
		health:    NewHealthChecker(),
	}
	c.ca.Logger = logger
	c.sources = cfg.BuildRuleSources(logger)

	events := &ProxyEvents{
		OnBlocked: func(url, rule string) {
			c.metrics.RecordBlocked()
			c.decisions.Record(DecisionEvent{URL: url, Host: hostOfURL(url), Action: "block", Rule: rule, Source: "proxy"})
		},
		OnAllowed: func(url string) {
			c.metrics.RecordAllowed()
		},
		OnError: func(url string, err error) {
			logger.Debug("proxy connection error", "url", url, "error", err)
		},
		OnTLSHandshake: func(domain string, ok bool) {
			c.metrics.RecordTLSHandshake(ok)
		},
	}

	c.proxy = NewProxy(c.ca, c.rules, ProxyOptions{
		Addr:                 cfg.Proxy.Addr,
		Bypass:               bypass,
		Events:               events,
		BlockPage:            blockPage,
		MaxConns:             cfg.Proxy.MaxConns,
		SkipOriginHostVerify: !cfg.Proxy.VerifyOrigin,
		Logger:               logger,
	})
	c.inspector = NewInspector(c.rules, logger)

	c.health.AddCheck("root_certificate", func() error {
		if c.ca.RootCertificate() == nil {
			return fmt.Errorf("root certificate not loaded")
		}
		return nil
	})
	c.health.AddCheck("rules", func() error {
		if !c.rulesLoaded.Load() {
			return fmt.Errorf("rule snapshot not compiled")
		}
		return nil
	})

	if cfg.Admin.Enabled {
		c.admin = NewAdminServer(c, cfg.Admin.Addr)
	}
	return c, nil
}

// Start loads the root, compiles the initial rule snapshot, and
// brings up the proxy and admin listeners. A failed initial rule
// fetch is not fatal: sources that cannot be fetched are skipped and
// the rest are compiled, possibly into an empty snapshot. The engine
// reports not-ready only while no snapshot has compiled.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("%w: core already started", ErrConfig)
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.ca.LoadOrCreateRoot(); err != nil {
		return err
	}

	if err := c.Reload(ctx); err != nil {
		c.logger.Warn("initial rule load failed", "error", err)
	}

	if err := c.proxy.Start(); err != nil {
		return err
	}
	if c.admin != nil {
		if err := c.admin.Start(); err != nil {
			c.proxy.Stop()
			return err
		}
	}

	if interval := c.cfg.Filter.ReloadInterval; interval > 0 {
		c.reloadWG.Add(1)
		go c.autoReload(interval)
	}

	c.health.MarkStarted()
	c.logger.Info("core started", "proxy", c.proxy.Addr())
	return nil
}

// Stop tears everything down in reverse order.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.health.MarkStopped()
	c.reloadWG.Wait()

	var firstErr error
	if c.admin != nil {
		if err := c.admin.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := c.proxy.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info("core stopped")
	return firstErr
}

// Reload refetches every source, compiles a fresh snapshot, and
// publishes it atomically. In-flight connections keep their pinned
// snapshot; the failure of any single source falls back to that
// source's cache or skips it.
func (c *Core) Reload(ctx context.Context) error {
	texts := FetchSources(ctx, c.sources, c.logger)
	rs, err := CompileRules(texts, c.logger)
	c.metrics.RecordReload(err)
	if err != nil {
		return err
	}

	c.proxy.ReloadRules(rs)
	c.rulesLoaded.Store(true)
	c.metrics.ObserveIndex(rs.Index().TotalDomains(), rs.RuleCount(), rs.Index().Stats())
	return nil
}

func (c *Core) autoReload(interval time.Duration) {
	defer c.reloadWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := c.Reload(ctx); err != nil {
				c.logger.Warn("scheduled rule reload failed", "error", err)
			}
			cancel()
		}
	}
}

// Stats assembles the current statistics snapshot.
func (c *Core) Stats() StatsSnapshot {
	rs := c.rules.Load()
	leafSize, leafHits, leafMisses := c.ca.LeafCacheStats()
	snap := c.metrics.Snapshot(
		rs.Index().TotalDomains(),
		rs.RuleCount(),
		rs.Index().Stats(),
		leafSize, leafHits, leafMisses,
		c.proxy.ConnCount(),
	)

	ins := c.inspector.Stats()
	snap.BlockedTotal += ins.Dropped
	snap.AllowedTotal += ins.Inspected - ins.Dropped
	snap.BytesSavedEstimate += ins.Dropped * blockedBytesEstimate
	return snap
}

// Proxy returns the interception proxy.
func (c *Core) Proxy() *Proxy { return c.proxy }

// Inspector returns the packet inspector for tunnel integration.
func (c *Core) Inspector() *Inspector { return c.inspector }

// CertAuthority returns the certificate authority.
func (c *Core) CertAuthority() *CertAuthority { return c.ca }

// Decisions returns the recent decision log.
func (c *Core) Decisions() *DecisionLog { return c.decisions }

// Health returns the probe state.
func (c *Core) Health() *HealthChecker { return c.health }

// Metrics returns the metrics collectors.
func (c *Core) Metrics() *Metrics { return c.metrics }

func hostOfURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return raw
}
