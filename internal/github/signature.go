package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// VerifySignature checks a "sha256=<hex>" signature of payload against secret.
func VerifySignature(secret, payload []byte, provided string) error {
	if provided == "" {
		return ErrMissingSignature
	}
	digest, ok := strings.CutPrefix(provided, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(secret, payload)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of payload.
func Sign(secret, payload []byte) []byte {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return hasher.Sum(nil)
}

// SignatureValue formats payload's signature as sent by GitHub.
func SignatureValue(secret, payload []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, payload))
}
