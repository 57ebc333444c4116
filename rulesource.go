package shadowguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// RuleSource yields the text of one rule list. Sources are fetched in
// configuration order and compiled into a single snapshot.
type RuleSource interface {
	// ID identifies the source in logs and stats.
	ID() string

	// Fetch returns the current rule text.
	Fetch(ctx context.Context) (string, error)
}

// StaticRuleSource serves a fixed blob, used for built-in lists and
// for tests.
type StaticRuleSource struct {
	Name string
	Text string
}

// ID implements RuleSource.
func (s *StaticRuleSource) ID() string { return s.Name }

// Fetch implements RuleSource.
func (s *StaticRuleSource) Fetch(ctx context.Context) (string, error) {
	return s.Text, nil
}

// FileRuleSource reads a rule list from disk on every fetch.
type FileRuleSource struct {
	Name string
	Path string
}

// ID implements RuleSource.
func (f *FileRuleSource) ID() string { return f.Name }

// Fetch implements RuleSource.
func (f *FileRuleSource) Fetch(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read rule list %q: %w", f.Path, err)
	}
	return string(data), nil
}

// HTTPRuleSource fetches a rule list over HTTP, decoding gzip, zstd
// and brotli response bodies. When CacheDir is set, each successful
// fetch is stored zstd-compressed on disk and served from there when
// the origin is unreachable.
type HTTPRuleSource struct {
	Name string
	URL  string

	// Client defaults to a 30 s timeout client.
	Client *http.Client

	// CacheDir enables the on-disk fallback cache when non-empty.
	CacheDir string

	Logger *slog.Logger
}

// ID implements RuleSource.
func (h *HTTPRuleSource) ID() string { return h.Name }

// Fetch implements RuleSource.
func (h *HTTPRuleSource) Fetch(ctx context.Context) (string, error) {
	text, err := h.fetchOrigin(ctx)
	if err == nil {
		if cerr := h.cachePut(text); cerr != nil && h.Logger != nil {
			h.Logger.Warn("rule list cache write failed",
				slog.String("source", h.Name),
				slog.Any("error", cerr))
		}
		return text, nil
	}

	cached, cerr := h.cacheGet()
	if cerr != nil {
		return "", fmt.Errorf("fetch %q: %w", h.URL, err)
	}
	if h.Logger != nil {
		h.Logger.Warn("serving rule list from cache",
			slog.String("source", h.Name),
			slog.Any("error", err))
	}
	return cached, nil
}

func (h *HTTPRuleSource) fetchOrigin(ctx context.Context) (string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd, br, gzip")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch rules: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return "", err
	}
	return body, nil
}

// decodeBody inflates the response according to its Content-Encoding.
func decodeBody(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
	case EncodingGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case EncodingZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return "", fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(r)
	default:
		return "", fmt.Errorf("unsupported content encoding %q", encoding)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

func (h *HTTPRuleSource) cachePath() string {
	sum := sha256.Sum256([]byte(h.URL))
	return filepath.Join(h.CacheDir, hex.EncodeToString(sum[:16])+".zst")
}

func (h *HTTPRuleSource) cachePut(text string) error {
	if h.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(h.CacheDir, 0o755); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll([]byte(text), nil)
	_ = enc.Close()

	target := h.cachePath()
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (h *HTTPRuleSource) cacheGet() (string, error) {
	if h.CacheDir == "" {
		return "", fmt.Errorf("no cache configured")
	}
	compressed, err := os.ReadFile(h.cachePath())
	if err != nil {
		return "", err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", err
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchSources resolves every source into compile input, preserving
// order. A failed source is logged and skipped so one unreachable list
// cannot block a reload.
func FetchSources(ctx context.Context, sources []RuleSource, logger *slog.Logger) []RuleSourceText {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]RuleSourceText, 0, len(sources))
	for _, src := range sources {
		text, err := src.Fetch(ctx)
		if err != nil {
			logger.Warn("rule source unavailable",
				slog.String("source", src.ID()),
				slog.Any("error", err))
			continue
		}
		out = append(out, RuleSourceText{ID: src.ID(), Enabled: true, Text: text})
	}
	return out
}
