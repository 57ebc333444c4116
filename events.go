package shadowguard

// ProxyEvents carries the statistics hooks the embedding shell wires
// into the proxy. Every field is optional; the proxy never stores a
// reference back to the shell. Hooks run on the connection's goroutine
// and must not block.
type ProxyEvents struct {
	// OnBlocked fires after the canonical 403 or a redirect stub was
	// written.
	OnBlocked func(url, rule string)

	// OnAllowed fires when a request or tunnel is forwarded.
	OnAllowed func(url string)

	// OnError fires on connection-level failures. url may be empty
	// when the error happened before a target was known.
	OnError func(url string, err error)

	// OnTLSHandshake fires after each client-side handshake attempt.
	OnTLSHandshake func(domain string, ok bool)
}

func (e *ProxyEvents) blocked(url, rule string) {
	if e != nil && e.OnBlocked != nil {
		e.OnBlocked(url, rule)
	}
}

func (e *ProxyEvents) allowed(url string) {
	if e != nil && e.OnAllowed != nil {
		e.OnAllowed(url)
	}
}

func (e *ProxyEvents) errored(url string, err error) {
	if e != nil && e.OnError != nil {
		e.OnError(url, err)
	}
}

func (e *ProxyEvents) tlsHandshake(domain string, ok bool) {
	if e != nil && e.OnTLSHandshake != nil {
		e.OnTLSHandshake(domain, ok)
	}
}
