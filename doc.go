// Package shadowguard implements a system-wide, on-device traffic
// interception core that blocks advertising, tracking, and malware
// domains. It combines a local MITM proxy, a dynamic certificate
// authority, a compiled filter-rule engine, and a raw packet inspector
// behind a single lifecycle type.
//
// # Architecture
//
// Redirected TCP flows terminate at the interception proxy. Plain HTTP
// requests are parsed and matched against the compiled ruleset; HTTPS
// CONNECT tunnels are either relayed opaquely (bypassed hosts), blocked
// before any tunnel is established, or intercepted with a dynamically
// issued leaf certificate signed by the local root. Packet-level
// integrations feed raw IP packets to the Inspector, which extracts DNS
// queries and TLS ClientHello SNI values and drops packets destined for
// blocked domains.
//
// Rule lists use adblock-style filter syntax and are fetched from
// static text, local files, or HTTP sources, compiled into an immutable
// snapshot, and published atomically. In-flight connections keep the
// snapshot they started with.
//
// # Usage
//
// Load configuration, open the key store, and start the core:
//
//	cfg, err := shadowguard.LoadConfig("shadowguard.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, closer, err := cfg.BuildLogger()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if closer != nil {
//	    defer closer.Close()
//	}
//
//	store, err := shadowguard.NewFileKeyStore(cfg.CA.StateDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	core, err := shadowguard.New(cfg, store, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := core.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Stop()
//
// # Rule Reloads
//
// Rules reload on a configurable interval, on demand through the admin
// API, or on SIGHUP:
//
//	reloader := shadowguard.WatchSIGHUP(core, logger)
//	defer reloader.Cancel()
//
// # Packet Inspection
//
// Tunnel and VPN integrations hand raw packets to the Inspector and
// honor its verdict:
//
//	if core.Inspector().Classify(pkt, shadowguard.FamilyIPv4) == shadowguard.VerdictDrop {
//	    // drop the packet, or synthesize a blocked DNS answer with
//	    // SynthesizeBlockedAnswer for port 53 queries
//	}
//
// # Trust Installation
//
// The root certificate must be installed in the device trust store for
// interception to work. Export it from the CertAuthority or fetch it
// from the admin API at /api/v1/ca.pem:
//
//	pem, err := core.CertAuthority().ExportRootPEM()
//
// # Admin API
//
// When enabled, a loopback-only HTTP server exposes statistics
// (/api/v1/stats), the recent decision log (/api/v1/decisions), rule
// reload (POST /api/v1/rules/reload), the root certificate
// (/api/v1/ca.pem), Kubernetes-style probes (/healthz, /readyz), and
// Prometheus metrics (/metrics).
package shadowguard
