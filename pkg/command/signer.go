package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// signingContext separates the command-signing key from other uses of the
// device shared secret. Rotating the context string invalidates every
// outstanding signature at once.
const signingContext = "command-signing-v1"

// DeriveSigningKey derives the per-device command-signing key from the
// device's shared HMAC secret.
func DeriveSigningKey(deviceSecret []byte) []byte {
	mac := hmac.New(sha256.New, deviceSecret)
	mac.Write([]byte(signingContext))
	return mac.Sum(nil)
}

// Sign computes the command signature over the dispatch-critical fields:
//
//	HMAC-SHA256(key, command_id || dispatch_nonce || expires_at || SHA-256(payload))
//
// expires_at enters as unix seconds so both sides serialize identically.
// The result is 64 hex characters.
func Sign(key []byte, commandID, dispatchNonce string, expiresAt time.Time, payload []byte) string {
	payloadSum := sha256.Sum256(payload)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(commandID))
	mac.Write([]byte(dispatchNonce))
	mac.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	mac.Write(payloadSum[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Any
// tampering of id, nonce, expiry, or payload fails verification.
func Verify(key []byte, commandID, dispatchNonce string, expiresAt time.Time, payload []byte, signature string) bool {
	want := Sign(key, commandID, dispatchNonce, expiresAt, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
