package slab

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signatureHeader carries the request body MAC, GitHub webhook style.
const signatureHeader = "X-Hub-Signature-256"

// Sign returns the hex-encoded HMAC-SHA256 of body keyed by secret.  The
// orchestrator recomputes it over the exact bytes it receives, so body
// must be the serialized payload as sent.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// signatureValue formats Sign's output for the signature header.
func signatureValue(secret, body []byte) string {
	return "sha256=" + Sign(secret, body)
}
