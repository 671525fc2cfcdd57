package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// TokenResolver derives a stable owner id from an opaque bearer credential.
// It stands in for a real identity provider in deployments that front the
// service with their own auth layer.
type TokenResolver struct{}

// Resolve rejects empty credentials and otherwise maps the credential to a
// deterministic owner id.
func (TokenResolver) Resolve(_ context.Context, credential string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", errors.New("missing credential")
	}
	sum := sha256.Sum256([]byte(credential))
	return "owner-" + hex.EncodeToString(sum[:8]), nil
}
