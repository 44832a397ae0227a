package extcommit

import "testing"

func TestPskHash_Deterministic(t *testing.T) {
	a := pskHash([]byte("shared-secret"))
	b := pskHash([]byte("shared-secret"))
	if a != b {
		t.Fatal("pskHash should be deterministic")
	}
	if a == pskHash([]byte("different-secret")) {
		t.Fatal("pskHash should differ for different input")
	}
}
