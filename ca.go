package shadowguard

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KeyType selects the root key algorithm.
type KeyType string

const (
	// KeyTypeRSA uses an RSA-4096 root with RSA-2048 leaves.
	KeyTypeRSA KeyType = "rsa"

	// KeyTypeECDSA uses ECDSA P-256 for root and leaves.
	KeyTypeECDSA KeyType = "ecdsa"
)

// KeyStore labels under which root material is persisted. Exactly one
// root exists per install.
const (
	rootCertLabel = "shadowguard.root.cert"
	rootKeyLabel  = "shadowguard.root.key"
)

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	leafBackdate = 60 * time.Second
)

// CertAuthority is the on-device trust anchor: a persistent
// self-signed root plus on-demand leaf issuance with a TTL/LRU cache.
// Certificate structures are assembled with the in-package DER
// encoder rather than x509.CreateCertificate, keeping the TBS layout
// under direct control.
type CertAuthority struct {
	// Logger for issuance events. Defaults to slog.Default().
	Logger *slog.Logger

	store   KeyStore
	keyType KeyType
	cache   *leafCache

	mu   sync.Mutex // guards root and minting
	root *rootCA
}

type rootCA struct {
	certDER []byte
	cert    *x509.Certificate
	key     crypto.Signer
}

// CAOptions configures a CertAuthority. Zero values select RSA, the
// default leaf TTL (24h), and the default cache cap (1000).
type CAOptions struct {
	KeyType      KeyType
	LeafTTL      time.Duration
	LeafCacheMax int
}

// NewCertAuthority creates a CertAuthority backed by the given store.
// Call [CertAuthority.LoadOrCreateRoot] before minting leaves.
func NewCertAuthority(store KeyStore, opts CAOptions) *CertAuthority {
	kt := opts.KeyType
	if kt == "" {
		kt = KeyTypeRSA
	}
	return &CertAuthority{
		Logger:  slog.Default(),
		store:   store,
		keyType: kt,
		cache:   newLeafCache(opts.LeafTTL, opts.LeafCacheMax),
	}
}

// LoadOrCreateRoot loads the persisted root, generating and persisting
// a fresh one when the store has none. It is idempotent.
func (ca *CertAuthority) LoadOrCreateRoot() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.root != nil {
		return nil
	}

	certDER, haveCert, err := ca.store.Get(rootCertLabel)
	if err != nil {
		return err
	}
	keyDER, haveKey, err := ca.store.Get(rootKeyLabel)
	if err != nil {
		return err
	}

	if haveCert && haveKey {
		root, err := parseRoot(certDER, keyDER)
		if err != nil {
			return err
		}
		ca.root = root
		ca.Logger.Debug("loaded root CA", "subject", root.cert.Subject.String(), "expires", root.cert.NotAfter)
		return nil
	}

	root, err := ca.generateRoot()
	if err != nil {
		return err
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(root.key)
	if err != nil {
		return fmt.Errorf("%w: encode root key: %v", ErrCrypto, err)
	}
	if err := ca.store.Put(rootKeyLabel, keyBytes); err != nil {
		return err
	}
	if err := ca.store.Put(rootCertLabel, root.certDER); err != nil {
		return err
	}

	ca.root = root
	ca.Logger.Info("generated root CA", "key_type", string(ca.keyType), "expires", root.cert.NotAfter)
	return nil
}

func parseRoot(certDER, keyDER []byte) (*rootCA, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parse root certificate: %v", ErrKeystore, err)
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parse root key: %v", ErrKeystore, err)
	}
	key, ok := keyAny.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: root key does not implement crypto.Signer", ErrKeystore)
	}
	return &rootCA{certDER: certDER, cert: cert, key: key}, nil
}

func (ca *CertAuthority) generateRoot() (*rootCA, error) {
	key, err := generateKey(ca.keyType, 4096)
	if err != nil {
		// Key generation is retried once before giving up.
		ca.Logger.Warn("root key generation failed, retrying", "error", err)
		key, err = generateKey(ca.keyType, 4096)
		if err != nil {
			return nil, fmt.Errorf("%w: generate root key: %v", ErrCrypto, err)
		}
	}

	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrCrypto, err)
	}

	now := time.Now()
	subject := caSubjectName("ShadowGuard Root CA")
	tbs := buildTBS(tbsParams{
		serial:    serial,
		sigAlg:    signatureAlgorithm(key),
		issuer:    subject,
		subject:   subject,
		notBefore: now.Add(-time.Hour),
		notAfter:  now.Add(rootValidity),
		spki:      subjectPublicKeyInfo(key.Public()),
		extensions: [][]byte{
			extension(oidBasicConstraints, true, derSequence(derBoolean(true))),
			// keyCertSign, cRLSign, digitalSignature.
			extension(oidKeyUsage, true, derBitString([]byte{0x86}, 1)),
		},
	})

	certDER, err := signCertificate(tbs, signatureAlgorithm(key), key)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: self-check of generated root failed: %v", ErrCrypto, err)
	}

	return &rootCA{certDER: certDER, cert: cert, key: key}, nil
}

// MintLeaf returns a certificate for domain whose SAN covers the
// domain and its wildcard, signed by the root. Cache-first; a miss
// generates a fresh key pair and certificate.
func (ca *CertAuthority) MintLeaf(domain string) (*LeafCert, error) {
	host := normalizeLookupHost(domain)
	if host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	now := time.Now()
	if leaf, ok := ca.cache.get(host, now); ok {
		return leaf, nil
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.root == nil {
		return nil, fmt.Errorf("%w: root CA not loaded", ErrKeystore)
	}
	// Another connection may have minted this host while we waited.
	// This re-check does not count toward the cache hit/miss stats.
	ca.cache.mu.Lock()
	cached, ok := ca.cache.entries[host]
	ca.cache.mu.Unlock()
	if ok && now.Sub(cached.IssuedAt) < ca.cache.ttl {
		return cached, nil
	}

	leaf, err := ca.mintLeafLocked(host, now)
	if err != nil {
		return nil, err
	}
	ca.cache.put(leaf)
	return leaf, nil
}

func (ca *CertAuthority) mintLeafLocked(host string, now time.Time) (*LeafCert, error) {
	key, err := generateKey(ca.keyType, 2048)
	if err != nil {
		ca.Logger.Warn("leaf key generation failed, retrying", "error", err, "domain", host)
		key, err = generateKey(ca.keyType, 2048)
		if err != nil {
			return nil, fmt.Errorf("%w: generate leaf key for %s: %v", ErrCrypto, host, err)
		}
	}

	serial, err := newSerial()
	if err != nil {
		return nil, fmt.Errorf("%w: generate serial: %v", ErrCrypto, err)
	}

	san := derSequence(
		derContextPrimitive(2, []byte(host)),
		derContextPrimitive(2, []byte("*."+host)),
	)

	tbs := buildTBS(tbsParams{
		serial: serial,
		sigAlg: signatureAlgorithm(ca.root.key),
		// Issuer must be byte-identical to the root subject DN.
		issuer:    ca.root.cert.RawSubject,
		subject:   leafSubjectName(host),
		notBefore: now.Add(-leafBackdate),
		notAfter:  now.Add(leafValidity),
		spki:      subjectPublicKeyInfo(key.Public()),
		extensions: [][]byte{
			extension(oidBasicConstraints, true, derSequence()),
			// digitalSignature, keyEncipherment.
			extension(oidKeyUsage, true, derBitString([]byte{0xa0}, 5)),
			extension(oidExtKeyUsage, false, derSequence(derOID(1, 3, 6, 1, 5, 5, 7, 3, 1))),
			extension(oidSubjectAltName, false, san),
		},
	})

	certDER, err := signCertificate(tbs, signatureAlgorithm(ca.root.key), ca.root.key)
	if err != nil {
		ca.Logger.Warn("leaf signing failed, retrying", "error", err, "domain", host)
		certDER, err = signCertificate(tbs, signatureAlgorithm(ca.root.key), ca.root.key)
		if err != nil {
			return nil, err
		}
	}

	ca.Logger.Debug("minted leaf", "domain", host)
	return &LeafCert{
		Domain:   host,
		CertDER:  certDER,
		Chain:    [][]byte{certDER, ca.root.certDER},
		Key:      key,
		IssuedAt: now,
	}, nil
}

// GetCertificate adapts the authority to tls.Config.GetCertificate.
func (ca *CertAuthority) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("%w: no SNI in ClientHello", ErrProtocol)
	}
	leaf, err := ca.MintLeaf(host)
	if err != nil {
		return nil, err
	}
	return leaf.TLS(), nil
}

// RootCertificate returns the parsed root, or nil before
// LoadOrCreateRoot.
func (ca *CertAuthority) RootCertificate() *x509.Certificate {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.root == nil {
		return nil
	}
	return ca.root.cert
}

// ExportRootPEM returns the root certificate as PEM text suitable for
// installing into a trust store.
func (ca *CertAuthority) ExportRootPEM() ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.root == nil {
		return nil, fmt.Errorf("%w: root CA not loaded", ErrKeystore)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.root.certDER}), nil
}

// DeleteRoot removes the persisted root and flushes every cached leaf.
// The next LoadOrCreateRoot generates a fresh root; previously minted
// leaves no longer chain to it.
func (ca *CertAuthority) DeleteRoot() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if err := ca.store.Delete(rootKeyLabel); err != nil {
		return err
	}
	if err := ca.store.Delete(rootCertLabel); err != nil {
		return err
	}
	if ca.root != nil {
		zeroPrivateKey(ca.root.key)
		ca.root = nil
	}
	ca.cache.flush()
	ca.Logger.Info("deleted root CA and flushed leaf cache")
	return nil
}

// LeafCacheStats reports the cache size and hit/miss counters.
func (ca *CertAuthority) LeafCacheStats() (size int, hits, misses uint64) {
	hits, misses = ca.cache.stats()
	return ca.cache.size(), hits, misses
}

func generateKey(kt KeyType, rsaBits int) (crypto.Signer, error) {
	switch kt {
	case KeyTypeECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return rsa.GenerateKey(rand.Reader, rsaBits)
	}
}

// newSerial returns a random 16-byte serial with the high bit cleared
// so the DER INTEGER stays positive without padding.
func newSerial() ([]byte, error) {
	serial := make([]byte, 16)
	if _, err := rand.Read(serial); err != nil {
		return nil, err
	}
	serial[0] &= 0x7f
	return serial, nil
}

// Attribute and extension OIDs used in certificate assembly.
var (
	oidCommonName       = derOID(2, 5, 4, 3)
	oidCountry          = derOID(2, 5, 4, 6)
	oidOrganization     = derOID(2, 5, 4, 10)
	oidBasicConstraints = derOID(2, 5, 29, 19)
	oidKeyUsage         = derOID(2, 5, 29, 15)
	oidExtKeyUsage      = derOID(2, 5, 29, 37)
	oidSubjectAltName   = derOID(2, 5, 29, 17)
)

func signatureAlgorithm(key crypto.Signer) []byte {
	switch key.(type) {
	case *ecdsa.PrivateKey:
		// ecdsa-with-SHA256; parameters absent.
		return derSequence(derOID(1, 2, 840, 10045, 4, 3, 2))
	default:
		// sha256WithRSAEncryption.
		return derSequence(derOID(1, 2, 840, 113549, 1, 1, 11), derNull())
	}
}

// leafSubjectName builds CN=<domain>, O=ShadowGuard, C=US.
func leafSubjectName(domain string) []byte {
	return derSequence(
		derSet(derSequence(oidCountry, derPrintableString("US"))),
		derSet(derSequence(oidOrganization, derUTF8String("ShadowGuard"))),
		derSet(derSequence(oidCommonName, derUTF8String(domain))),
	)
}

func caSubjectName(cn string) []byte {
	return derSequence(
		derSet(derSequence(oidCountry, derPrintableString("US"))),
		derSet(derSequence(oidOrganization, derUTF8String("ShadowGuard"))),
		derSet(derSequence(oidCommonName, derUTF8String(cn))),
	)
}

func subjectPublicKeyInfo(pub crypto.PublicKey) []byte {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		keyBits := derSequence(
			derInteger(k.N),
			derIntegerSmall(int64(k.E)),
		)
		return derSequence(
			derSequence(derOID(1, 2, 840, 113549, 1, 1, 1), derNull()),
			derBitString(keyBits, 0),
		)
	case *ecdsa.PublicKey:
		size := (k.Curve.Params().BitSize + 7) / 8
		point := make([]byte, 1+2*size)
		point[0] = 0x04
		k.X.FillBytes(point[1 : 1+size])
		k.Y.FillBytes(point[1+size:])
		return derSequence(
			derSequence(derOID(1, 2, 840, 10045, 2, 1), derOID(1, 2, 840, 10045, 3, 1, 7)),
			derBitString(point, 0),
		)
	}
	return nil
}

func extension(oid []byte, critical bool, value []byte) []byte {
	if critical {
		return derSequence(oid, derBoolean(true), derOctetString(value))
	}
	return derSequence(oid, derOctetString(value))
}

type tbsParams struct {
	serial     []byte
	sigAlg     []byte
	issuer     []byte
	subject    []byte
	notBefore  time.Time
	notAfter   time.Time
	spki       []byte
	extensions [][]byte
}

func buildTBS(p tbsParams) []byte {
	return derSequence(
		derContextExplicit(0, derIntegerSmall(2)), // v3
		derIntegerBytes(p.serial),
		p.sigAlg,
		p.issuer,
		derSequence(derUTCTime(p.notBefore), derUTCTime(p.notAfter)),
		p.subject,
		p.spki,
		derContextExplicit(3, derSequence(p.extensions...)),
	)
}

func signCertificate(tbs, sigAlg []byte, key crypto.Signer) ([]byte, error) {
	digest := sha256.Sum256(tbs)

	var sig []byte
	var err error
	switch k := key.(type) {
	case *rsa.PrivateKey:
		sig, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, k, digest[:])
	default:
		err = fmt.Errorf("unsupported key type %T", key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: sign certificate: %v", ErrCrypto, err)
	}

	return derSequence(tbs, sigAlg, derBitString(sig, 0)), nil
}
