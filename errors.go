package shadowguard

import "errors"

// Sentinel errors for the failure classes surfaced by the core. Callers
// use errors.Is to classify failures; wrapped errors carry the detail.
var (
	// ErrInvalidDomain indicates a domain that violates DNS label rules.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrRuleCompile indicates rule text that could not be compiled.
	ErrRuleCompile = errors.New("rule compile error")

	// ErrKeystore indicates a failure reading or writing root CA material.
	ErrKeystore = errors.New("keystore error")

	// ErrCrypto indicates a key generation or signing failure.
	ErrCrypto = errors.New("crypto error")

	// ErrProtocol indicates a malformed HTTP request or TLS handshake failure.
	ErrProtocol = errors.New("protocol error")

	// ErrConfig indicates invalid configuration rejected at load time.
	ErrConfig = errors.New("config error")
)
