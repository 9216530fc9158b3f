// Package ingest writes immutable, content-addressed snapshots of raw source
// records and tracks the ingestion entities they belong to.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/sells-group/catalog-ingest/internal/apperr"
)

// Canonicalize re-encodes a JSON object with sorted keys and no insignificant
// whitespace. Numbers keep their literal text.
func Canonicalize(raw []byte) ([]byte, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, nil, apperr.Validation("payload must be a JSON object: %v", err)
	}
	if obj == nil {
		return nil, nil, apperr.Validation("payload must be a JSON object, got null")
	}
	if dec.More() {
		return nil, nil, apperr.Validation("payload has trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, nil, apperr.Validation("payload: %v", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), obj, nil
}

// ContentHash is the hex SHA-256 of the canonical form.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
