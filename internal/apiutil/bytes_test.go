package apiutil

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestBytes_RoundTrip(t *testing.T) {
	in := Bytes([]byte{0x00, 0x01, 0xfe, 0xff})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"$bytes":"AAH+/w=="}`; string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var out Bytes
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("round trip mismatch: %v != %v", in, out)
	}
}

func TestBytes_RejectsBareString(t *testing.T) {
	var out Bytes
	if err := json.Unmarshal([]byte(`"AAH+/w=="`), &out); err == nil {
		t.Error("expected a bare base64 string to be rejected")
	}
}

func TestBytes_RejectsBadBase64(t *testing.T) {
	var out Bytes
	if err := json.Unmarshal([]byte(`{"$bytes":"not base64!!"}`), &out); err == nil {
		t.Error("expected invalid base64 to be rejected")
	}
}
