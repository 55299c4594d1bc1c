package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

const prefix = "sha256:"

// SumObject hashes the canonical JSON form of v. Objects are re-encoded
// through a generic map so key order never depends on struct layout.
func SumObject(v any) (string, []byte, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canon)
	return prefix + hex.EncodeToString(sum[:]), canon, nil
}

// Canonical returns the sorted-key JSON encoding of v. Numbers keep their
// literal form.
func Canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Equal reports whether a and b hash to the same digest.
func Equal(a, b any) (bool, error) {
	ha, _, err := SumObject(a)
	if err != nil {
		return false, err
	}
	hb, _, err := SumObject(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
