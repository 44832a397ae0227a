package svctoken

import (
	"context"
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

func encodeMultibaseEd25519(pub ed25519.PublicKey) string {
	tagged := append(append([]byte{}, ed25519MulticodecPrefix...), pub...)
	return "z" + base58.Encode(tagged)
}

func TestDecodeMultibaseEd25519_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	mb := encodeMultibaseEd25519(pub)
	got, err := decodeMultibaseEd25519(mb)
	if err != nil {
		t.Fatalf("decodeMultibaseEd25519: %v", err)
	}
	if !pub.Equal(got) {
		t.Error("decoded key does not match original")
	}
}

func TestDecodeMultibaseEd25519_RejectsBadPrefix(t *testing.T) {
	if _, err := decodeMultibaseEd25519("nope"); err == nil {
		t.Fatal("expected error for missing z prefix")
	}
}

func TestMemoryReplayStore(t *testing.T) {
	s := NewMemoryReplayStore()
	ctx := context.Background()

	seen, err := s.SeenBefore(ctx, "did:web:a", "jti-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("first sighting should not be seen")
	}

	seen, err = s.SeenBefore(ctx, "did:web:a", "jti-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("second sighting of same jti should be seen")
	}
}

func TestMemoryReplayStore_ExpiresBeforeCleanup(t *testing.T) {
	s := NewMemoryReplayStore()
	ctx := context.Background()

	if _, err := s.SeenBefore(ctx, "did:web:a", "jti-1", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	seen, err := s.SeenBefore(ctx, "did:web:a", "jti-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("entry past its TTL should not be reported as seen")
	}
}

func TestStripFragment(t *testing.T) {
	if got := stripFragment("did:plc:abc#svc"); got != "did:plc:abc" {
		t.Errorf("got %q", got)
	}
	if got := stripFragment("did:plc:abc"); got != "did:plc:abc" {
		t.Errorf("got %q", got)
	}
}

func TestMintProducesValidJWTShape(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	iss := NewIssuer("did:web:ds-a.example.com", "did:web:ds-a.example.com#svc", priv)
	tok, err := iss.Mint("did:web:ds-b.example.com", "deliverMessage", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok == "" {
		t.Fatal("expected non-empty token")
	}
	if parts := strings.Split(tok, "."); len(parts) != 3 {
		t.Errorf("token has %d dot-separated parts, want 3 (header.payload.signature)", len(parts))
	}
}
