package resolver

import (
	"io"
	"log/slog"
	"net/url"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDocumentURL_DidWeb(t *testing.T) {
	u, err := documentURL("did:web:ds.example.com")
	if err != nil {
		t.Fatalf("documentURL: %v", err)
	}
	want := "https://ds.example.com/.well-known/did.json"
	if u.String() != want {
		t.Errorf("got %q, want %q", u.String(), want)
	}
}

func TestDocumentURL_DidPlc(t *testing.T) {
	u, err := documentURL("did:plc:abc123")
	if err != nil {
		t.Fatalf("documentURL: %v", err)
	}
	want := "https://plc.directory/did:plc:abc123"
	if u.String() != want {
		t.Errorf("got %q, want %q", u.String(), want)
	}
}

func TestDocumentURL_UnsupportedMethod(t *testing.T) {
	if _, err := documentURL("did:key:z123"); err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestValidateURL_RejectsLoopback(t *testing.T) {
	r := New(Config{}, testLogger())
	u, _ := url.Parse("https://localhost/.well-known/did.json")
	err := r.validateURL(u)
	if err == nil {
		t.Fatal("expected error for localhost")
	}
	rerr, ok := err.(*Error)
	if !ok || rerr.Kind != KindHostUnsafe {
		t.Errorf("got %v, want HostUnsafe", err)
	}
}

func TestValidateURL_RejectsHTTPByDefault(t *testing.T) {
	r := New(Config{}, testLogger())
	u, _ := url.Parse("http://example.com/did.json")
	err := r.validateURL(u)
	if err == nil {
		t.Fatal("expected error for http scheme")
	}
	rerr, ok := err.(*Error)
	if !ok || rerr.Kind != KindUnsupportedScheme {
		t.Errorf("got %v, want UnsupportedScheme", err)
	}
}

func TestValidateURL_AllowsHTTPWithDevFlag(t *testing.T) {
	r := New(Config{AllowInsecureHTTP: true}, testLogger())
	u, _ := url.Parse("http://example.com/did.json")
	if err := r.validateURL(u); err != nil {
		// example.com resolves publicly in most test environments; if DNS
		// is unavailable this will fail on lookup rather than scheme check.
		if rerr, ok := err.(*Error); ok && rerr.Kind == KindUnsupportedScheme {
			t.Errorf("scheme should be permitted when AllowInsecureHTTP is set: %v", err)
		}
	}
}

func TestValidateURL_RejectsInternalSuffix(t *testing.T) {
	r := New(Config{}, testLogger())
	u, _ := url.Parse("https://ds.internal/.well-known/did.json")
	err := r.validateURL(u)
	if err == nil {
		t.Fatal("expected error for .internal suffix")
	}
}
