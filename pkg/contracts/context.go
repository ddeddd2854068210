package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Context is a key/value request context. Unknown keys are ignored by
// contextual policies; recognized keys are declared per deployment.
type Context map[string]string

// RecognizedContextKeys is the declared key list for contextual state.
// Keys outside this list never reach the context_key and so never fragment
// policy state.
var RecognizedContextKeys = []string{
	"time_period",
	"day_of_week",
	"user_type",
	"genre_saturation",
	"session_position",
	"surface",
}

// recognized is the lookup form of RecognizedContextKeys.
var recognized = func() map[string]bool {
	m := make(map[string]bool, len(RecognizedContextKeys))
	for _, k := range RecognizedContextKeys {
		m[k] = true
	}
	return m
}()

// ContextKey canonicalizes the recognized subset of ctx (RFC 8785 JCS) and
// hashes it to a short stable key. The same context always yields the same
// key across processes and restarts. Empty context → empty key, which is
// also the key for non-contextual policies.
func ContextKey(ctx Context) (string, error) {
	filtered := make(map[string]string, len(ctx))
	for k, v := range ctx {
		if recognized[k] {
			filtered[k] = v
		}
	}
	if len(filtered) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(filtered)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize context: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8]), nil
}

// MustContextKey is ContextKey for callers that already validated ctx;
// it degrades to the non-contextual key on canonicalization failure.
func MustContextKey(ctx Context) string {
	key, err := ContextKey(ctx)
	if err != nil {
		return ""
	}
	return key
}
