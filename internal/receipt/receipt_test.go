package receipt

import (
	"crypto/ed25519"
	"testing"
)

func TestIssueAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner("did:web:sequencer.example.com", priv)
	r := signer.Issue("group-1", 3, []byte("commit bytes"))

	if !Verify(r, pub) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerify_RejectsTamperedEpoch(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner("did:web:sequencer.example.com", priv)
	r := signer.Issue("group-1", 3, []byte("commit bytes"))
	r.Epoch = 4

	if Verify(r, pub) {
		t.Fatal("expected signature verification to fail after tampering")
	}
}

func TestHashCommit_Deterministic(t *testing.T) {
	a := HashCommit([]byte("same bytes"))
	b := HashCommit([]byte("same bytes"))
	if a != b {
		t.Fatal("HashCommit should be deterministic")
	}
	if a == HashCommit([]byte("different bytes")) {
		t.Fatal("HashCommit should differ for different input")
	}
}
