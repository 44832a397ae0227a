// Package resolver turns a DID into a verified (document, endpoint) pair.
// It is the delivery service's sole point of outbound DID-document traffic
// and is hardened against SSRF: every hostname, including ones reached via
// redirect, is re-validated before a connection is opened.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/catbird-social/mls-ds/internal/logging"
	"github.com/catbird-social/mls-ds/internal/ttlcache"
)

// ErrorKind enumerates the ways resolution can fail.
type ErrorKind string

const (
	KindUnsupportedScheme ErrorKind = "unsupported_scheme"
	KindHostUnsafe        ErrorKind = "host_unsafe"
	KindNotFound          ErrorKind = "not_found"
	KindMalformed         ErrorKind = "malformed"
	KindTimeout           ErrorKind = "timeout"
)

// Error is returned by every failed Resolve call.
type Error struct {
	Kind ErrorKind
	DID  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("resolver: %s: %s: %v", e.Kind, e.DID, e.err)
	}
	return fmt.Sprintf("resolver: %s: %s", e.Kind, e.DID)
}

func (e *Error) Unwrap() error { return e.err }

func newErr(kind ErrorKind, did string, cause error) *Error {
	return &Error{Kind: kind, DID: did, err: cause}
}

// VerificationMethod is one entry of a DID document's verificationMethod list.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
	PublicKeyPem       string `json:"publicKeyPem,omitempty"`
}

// Service is a DID document's declared service endpoint.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is the subset of a DID document the delivery service cares about.
type Document struct {
	ID                 string                `json:"id"`
	VerificationMethod []VerificationMethod  `json:"verificationMethod"`
	Service            []Service             `json:"service"`
}

// Resolved is the verified result of a Resolve call.
type Resolved struct {
	Document Document
	Endpoint string
}

type cacheEntry struct {
	resolved  Resolved
	fetchedAt time.Time
}

// Config configures a Resolver.
type Config struct {
	AllowInsecureHTTP bool
	DocumentTTL       time.Duration
	FetchTimeout      time.Duration
	MaxDocumentBytes  int64
}

// Resolver resolves DIDs to verified documents and service endpoints.
type Resolver struct {
	cfg    Config
	cache  *ttlcache.Cache[cacheEntry]
	client *http.Client
	logger *slog.Logger
}

// New constructs a Resolver. cfg.DocumentTTL controls both the in-memory
// cache TTL and is independent from cfg.FetchTimeout, which bounds each HTTP
// round trip.
func New(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.DocumentTTL <= 0 {
		cfg.DocumentTTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = 1 << 20
	}

	r := &Resolver{
		cfg:    cfg,
		cache:  ttlcache.New[cacheEntry](cfg.DocumentTTL, 4096),
		logger: logger,
	}
	r.client = &http.Client{
		Timeout: cfg.FetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return r.validateURL(req.URL)
		},
	}
	return r
}

// Resolve produces a verified (document, endpoint) for did, consulting the
// cache first. Negative (non-2xx) fetches are fatal and are not cached.
func (r *Resolver) Resolve(ctx context.Context, did string) (Resolved, error) {
	if cached, ok := r.cache.Get(did); ok {
		return cached.resolved, nil
	}

	docURL, err := documentURL(did)
	if err != nil {
		return Resolved{}, newErr(KindMalformed, did, err)
	}

	if err := r.validateURL(docURL); err != nil {
		return Resolved{}, err.(*Error)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL.String(), nil)
	if err != nil {
		return Resolved{}, newErr(KindMalformed, did, err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Resolved{}, newErr(KindTimeout, did, err)
		}
		return Resolved{}, newErr(KindNotFound, did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Resolved{}, newErr(KindNotFound, did, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxDocumentBytes))
	if err != nil {
		return Resolved{}, newErr(KindMalformed, did, err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return Resolved{}, newErr(KindMalformed, did, err)
	}

	endpoint, err := r.selectEndpoint(doc)
	if err != nil {
		return Resolved{}, err.(*Error)
	}

	resolved := Resolved{Document: doc, Endpoint: endpoint}
	r.cache.Set(did, cacheEntry{resolved: resolved, fetchedAt: time.Now()})

	r.logger.Debug("resolved did document",
		slog.String("did_hash", logging.ShortHash(did)),
		slog.Int("verification_methods", len(doc.VerificationMethod)),
	)

	return resolved, nil
}

// selectEndpoint picks the document's primary service endpoint and re-runs
// it through the same SSRF filter used for the document URL itself.
func (r *Resolver) selectEndpoint(doc Document) (string, error) {
	if len(doc.Service) == 0 {
		return "", newErr(KindNotFound, doc.ID, errors.New("document has no service endpoint"))
	}

	ep := doc.Service[0].ServiceEndpoint
	u, err := url.Parse(ep)
	if err != nil {
		return "", newErr(KindMalformed, doc.ID, err)
	}
	if err := r.validateURL(u); err != nil {
		return "", err
	}
	return ep, nil
}

// documentURL derives the HTTPS well-known document URL for a did:web
// identifier, or the PLC directory URL for a did:plc identifier. Other
// methods are rejected as unsupported.
func documentURL(did string) (*url.URL, error) {
	switch {
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		host = strings.ReplaceAll(host, ":", "/")
		decoded, err := url.PathUnescape(host)
		if err != nil {
			return nil, err
		}
		return url.Parse("https://" + decoded + "/.well-known/did.json")
	case strings.HasPrefix(did, "did:plc:"):
		id := strings.TrimPrefix(did, "did:plc:")
		return url.Parse("https://plc.directory/did:plc:" + id)
	default:
		return nil, fmt.Errorf("unsupported did method in %q", did)
	}
}

// validateURL enforces scheme, hostname resolution, and address-range
// checks before any connection is allowed, on both the first request and
// every redirect hop.
func (r *Resolver) validateURL(u *url.URL) error {
	if u.Scheme != "https" {
		if !(r.cfg.AllowInsecureHTTP && u.Scheme == "http") {
			return newErr(KindUnsupportedScheme, u.String(), fmt.Errorf("scheme %q not allowed", u.Scheme))
		}
	}

	host := u.Hostname()
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") ||
		strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".localhost") {
		return newErr(KindHostUnsafe, u.String(), fmt.Errorf("host %q is not routable for federation", host))
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return newErr(KindNotFound, u.String(), err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsMulticast() {
			return newErr(KindHostUnsafe, u.String(), fmt.Errorf("host %q resolves to unsafe address %s", host, ipStr))
		}
	}
	return nil
}
