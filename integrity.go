package taskmesh

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// IntegrityAlgorithm names the checksum carried by sealed payloads.
// FNV-1a detects transport corruption; it is not an authenticity
// mechanism.
const IntegrityAlgorithm = "fnv1a-64"

// IntegritySeal is the checksum block attached to every sealed payload.
type IntegritySeal struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Algorithm string    `json:"algorithm"`
}

// IntegrityEnvelope wraps a payload together with its seal.
type IntegrityEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Integrity IntegritySeal   `json:"integrity"`
}

// SealPayload wraps data with an integrity seal computed over its
// canonical JSON form.
func SealPayload(data []byte) ([]byte, error) {
	hash, err := payloadHash(data)
	if err != nil {
		return nil, err
	}
	env := IntegrityEnvelope{
		Data: json.RawMessage(data),
		Integrity: IntegritySeal{
			Hash:      hash,
			Timestamp: time.Now().UTC(),
			Algorithm: IntegrityAlgorithm,
		},
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}
	return out, nil
}

// OpenSealed verifies the seal and returns the inner payload. A wrong
// algorithm or a hash mismatch yields ErrPayloadCorrupted.
func OpenSealed(data []byte) ([]byte, error) {
	var env IntegrityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	if env.Integrity.Algorithm != IntegrityAlgorithm {
		return nil, fmt.Errorf("%w: unsupported integrity algorithm %q", ErrPayloadCorrupted, env.Integrity.Algorithm)
	}
	hash, err := payloadHash(env.Data)
	if err != nil {
		return nil, err
	}
	if hash != env.Integrity.Hash {
		return nil, fmt.Errorf("%w: hash mismatch", ErrPayloadCorrupted)
	}
	return env.Data, nil
}

// payloadHash computes the FNV-1a 64 checksum over the canonical JSON
// form of data. Canonicalization re-marshals through a generic value so
// both sides hash identical bytes regardless of original key order or
// whitespace. Non-JSON input hashes as raw bytes.
func payloadHash(data []byte) (string, error) {
	canonical := data
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		out, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("canonicalize payload: %w", err)
		}
		canonical = out
	}
	h := fnv.New64a()
	h.Write(canonical)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
