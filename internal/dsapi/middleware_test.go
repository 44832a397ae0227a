package dsapi

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestLxmOf(t *testing.T) {
	r := httptest.NewRequest("POST", "/xrpc/blue.catbird.mls.ds.submitCommit", nil)
	if got := lxmOf(r); got != "blue.catbird.mls.ds.submitCommit" {
		t.Errorf("lxmOf = %q", got)
	}
}

func TestUnverifiedIssuer(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "did:web:peer.example#service",
	})
	raw, err := token.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if got := unverifiedIssuer(raw); got != "did:web:peer.example" {
		t.Errorf("issuer = %q, want canonical did:web:peer.example", got)
	}
}

func TestUnverifiedIssuer_GarbageInputs(t *testing.T) {
	for _, raw := range []string{"", "not.a.jwt", "a.b"} {
		if got := unverifiedIssuer(raw); got != "" {
			t.Errorf("unverifiedIssuer(%q) = %q, want empty", raw, got)
		}
	}
}

func TestUnverifiedIssuer_RejectsNonDID(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: "https://not-a-did.example",
	})
	raw, _ := token.SignedString([]byte("irrelevant"))
	if got := unverifiedIssuer(raw); got != "" {
		t.Errorf("non-DID issuer should be discarded, got %q", got)
	}
}
