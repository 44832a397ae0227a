package api

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CipherSuite accepts either the numeric MLS cipher-suite id or the
// registered name (e.g. "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519") in
// request bodies, normalizing to the numeric id stored in the conversation
// row.
type CipherSuite uint16

var cipherSuiteNames = map[string]CipherSuite{
	"MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519":        0x0001,
	"MLS_128_DHKEMP256_AES128GCM_SHA256_P256":             0x0002,
	"MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519": 0x0003,
	"MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448":            0x0004,
	"MLS_256_DHKEMP521_AES256GCM_SHA512_P521":             0x0005,
	"MLS_256_DHKEMX448_CHACHA20POLY1305_SHA512_Ed448":     0x0006,
	"MLS_256_DHKEMP384_AES256GCM_SHA384_P384":             0x0007,
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *CipherSuite) UnmarshalJSON(data []byte) error {
	var num uint16
	if err := json.Unmarshal(data, &num); err == nil {
		*c = CipherSuite(num)
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if suite, ok := cipherSuiteNames[name]; ok {
		*c = suite
		return nil
	}
	if n, err := strconv.ParseUint(name, 10, 16); err == nil {
		*c = CipherSuite(n)
		return nil
	}
	return fmt.Errorf("unknown cipher suite %q", name)
}
