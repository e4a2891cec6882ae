// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical serializes v to deterministic bytes: object keys sorted,
// compact separators, no HTML escaping. Seals are HMACs over these
// bytes, so any drift in serialization breaks verification; every seal
// and every verify must go through this one function.
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// decodeEnvelope parses a stored envelope into a generic map. Numbers
// stay json.Number so re-serialization reproduces the stored literal
// exactly; decoding 1.0 into a float and re-encoding it as 1 would
// silently change the sealed bytes.
func decodeEnvelope(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// recordToPayload converts a Record into envelope form through its JSON
// encoding, so the sealed bytes always match what a reader will parse.
func recordToPayload(r *Record) (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return decodeEnvelope(data)
}

// payloadToRecord is the inverse of recordToPayload, applied after seal
// verification and decryption.
func payloadToRecord(payload map[string]any) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
