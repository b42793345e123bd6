package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifyGitHubSignature checks an X-Hub-Signature-256 header against body.
// An empty secret disables verification.
func VerifyGitHubSignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignGitHubPayload returns the X-Hub-Signature-256 value for body.
func SignGitHubPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitLabToken checks the X-Gitlab-Token header.
func VerifyGitLabToken(secret, header string) error {
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
