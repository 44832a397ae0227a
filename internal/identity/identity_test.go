package identity

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in       string
		wantDID  string
		wantFrag string
	}{
		{"did:plc:abc123", "did:plc:abc123", ""},
		{"did:plc:abc123#service", "did:plc:abc123", "service"},
		{"did:plc:abc123#device-uuid-1", "did:plc:abc123", "device-uuid-1"},
		{"", "", ""},
	}
	for _, tt := range tests {
		got := Canonicalize(tt.in)
		if got.DID != tt.wantDID || got.Fragment != tt.wantFrag {
			t.Errorf("Canonicalize(%q) = %+v, want {%q %q}", tt.in, got, tt.wantDID, tt.wantFrag)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("did:plc:abc", "did:plc:abc#service") {
		t.Error("did:plc:abc and did:plc:abc#service should be equal")
	}
	if Equal("did:plc:abc", "did:plc:def") {
		t.Error("distinct DIDs should not be equal")
	}
}

func TestValid(t *testing.T) {
	valid := []string{"did:plc:abc123", "did:web:example.com", "did:plc:abc123#frag"}
	for _, v := range valid {
		if !Valid(v) {
			t.Errorf("Valid(%q) = false, want true", v)
		}
	}
	invalid := []string{"", "not-a-did", "did:", "did:plc:"}
	for _, v := range invalid {
		if Valid(v) {
			t.Errorf("Valid(%q) = true, want false", v)
		}
	}
}

func TestMethod(t *testing.T) {
	if m := Method("did:plc:abc123"); m != "plc" {
		t.Errorf("Method = %q, want plc", m)
	}
	if m := Method("did:web:example.com#device"); m != "web" {
		t.Errorf("Method = %q, want web", m)
	}
	if m := Method("garbage"); m != "" {
		t.Errorf("Method(garbage) = %q, want empty", m)
	}
}

func TestParseDeviceIdentity(t *testing.T) {
	di, ok := ParseDeviceIdentity("did:plc:user1#device-uuid-9")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if di.UserDID != "did:plc:user1" || di.DeviceID != "device-uuid-9" {
		t.Errorf("got %+v", di)
	}

	if _, ok := ParseDeviceIdentity("did:plc:user1"); ok {
		t.Error("expected ok=false with no fragment")
	}
}
