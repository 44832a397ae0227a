package apiutil

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Bytes renders opaque byte strings in JSON as {"$bytes": "<base64>"},
// following the identity network's convention for binary payloads (§6).
// Raw base64 strings outside the wrapper object are rejected on decode.
type Bytes []byte

type bytesEnvelope struct {
	Bytes string `json:"$bytes"`
}

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(bytesEnvelope{Bytes: base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var env bytesEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.New(`opaque bytes must be encoded as {"$bytes": "<base64>"}`)
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Bytes)
	if err != nil {
		return errors.New("$bytes payload is not standard base64")
	}
	*b = decoded
	return nil
}
