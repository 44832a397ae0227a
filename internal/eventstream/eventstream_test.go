package eventstream

import "testing"

func TestDigestOf_Deterministic(t *testing.T) {
	a := digestOf([]byte(`{"foo":"bar"}`))
	b := digestOf([]byte(`{"foo":"bar"}`))
	if a != b {
		t.Fatal("digestOf should be deterministic")
	}
	if a == digestOf([]byte(`{"foo":"baz"}`)) {
		t.Fatal("digestOf should differ for different payloads")
	}
}
