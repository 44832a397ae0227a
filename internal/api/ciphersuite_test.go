package api

import (
	"encoding/json"
	"testing"
)

func TestCipherSuite_Unmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want CipherSuite
		err  bool
	}{
		{`1`, 0x0001, false},
		{`"MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"`, 0x0001, false},
		{`"MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448"`, 0x0004, false},
		{`"7"`, 0x0007, false},
		{`"MLS_UNKNOWN_SUITE"`, 0, true},
		{`true`, 0, true},
	}

	for _, tc := range cases {
		var cs CipherSuite
		err := json.Unmarshal([]byte(tc.in), &cs)
		if tc.err {
			if err == nil {
				t.Errorf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.in, err)
			continue
		}
		if cs != tc.want {
			t.Errorf("%s: got %#04x, want %#04x", tc.in, uint16(cs), uint16(tc.want))
		}
	}
}
