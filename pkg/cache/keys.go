package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Key derives a stable cache key. String keys pass through verbatim;
// anything else is JSON-encoded, canonicalized per RFC 8785 so that map
// iteration order cannot change the result, and digested with SHA-256.
// Identical logical values therefore always map to the same key.
func Key(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache: key marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("cache: key canonicalization failed: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
