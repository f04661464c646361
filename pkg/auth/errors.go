package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	errUserIDRequired    = errors.New("X-User-ID header required")
	errSignatureRequired = errors.New("missing signature headers")
	errInvalidSignature  = errors.New("invalid signature")
)

// SignUserID computes the hex HMAC-SHA256 signature a frontend caller must
// send in X-User-Signature for the given user id and signing key.
func SignUserID(key, userID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}
