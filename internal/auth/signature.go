package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Sign returns SHA-256(secret || method || path || body). The secret is the
// hex string issued at registration and is hashed in decoded form.
func Sign(secretHex, method, path string, body []byte) ([]byte, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, errors.New("auth: badge secret is not hex")
	}
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return h.Sum(nil), nil
}

// SignHex is Sign encoded the way devices send it in X-Signature.
func SignHex(secretHex, method, path string, body []byte) (string, error) {
	sum, err := Sign(secretHex, method, path, body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// VerifySignature compares a hex claim against the expected digest in constant time.
func VerifySignature(secretHex, method, path string, body []byte, claimHex string) bool {
	claimHex = strings.TrimSpace(claimHex)
	if claimHex == "" {
		return false
	}
	claim, err := hex.DecodeString(claimHex)
	if err != nil {
		return false
	}
	want, err := Sign(secretHex, method, path, body)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(claim, want) == 1
}
