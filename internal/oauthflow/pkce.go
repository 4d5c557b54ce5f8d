package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceCodes is one RFC 7636 verifier/challenge pair.
type pkceCodes struct {
	CodeVerifier  string
	CodeChallenge string
}

func generatePKCE() (*pkceCodes, error) {
	raw := make([]byte, 96)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &pkceCodes{
		CodeVerifier:  verifier,
		CodeChallenge: base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]),
	}, nil
}
