package keypackage

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestSHA256TaggingIsDeterministic(t *testing.T) {
	data := []byte("opaque key package bytes")
	sum1 := sha256.Sum256(data)
	sum2 := sha256.Sum256(data)
	if hex.EncodeToString(sum1[:]) != hex.EncodeToString(sum2[:]) {
		t.Fatal("SHA-256 tagging must be deterministic for the same bytes")
	}
}

func TestMaxLivePerOwnerConstant(t *testing.T) {
	if maxLivePerOwner != 100 {
		t.Errorf("maxLivePerOwner = %d, want 100", maxLivePerOwner)
	}
}
