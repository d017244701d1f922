package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"channelgate/internal/constants"
)

var (
	errMissingSignature = errors.New("missing signature header")
	errSignatureMatch   = errors.New("signature mismatch")
	errSecretRequired   = errors.New("webhook secret is required in production mode")
)

// verifySignature reads the request body and checks it against the
// hex-encoded HMAC-SHA512 in the signature header. An empty secret skips the
// check outside production. The body is restored on r for later readers.
func verifySignature(r *http.Request, secret string, production bool) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, constants.DefaultMaxWebhookBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if secret == "" {
		if production {
			return nil, errSecretRequired
		}
		return body, nil
	}

	header := strings.TrimSpace(r.Header.Get(constants.WebhookSignatureHeader))
	if header == "" {
		return nil, errMissingSignature
	}
	expected, err := hex.DecodeString(strings.ToLower(header))
	if err != nil {
		return nil, errSignatureMatch
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return nil, errSignatureMatch
	}
	return body, nil
}
