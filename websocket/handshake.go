package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
)

// GUID is appended to the client key before hashing, RFC 6455 section 1.3.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// keyLength is the size of the base64 text of a 16 byte nonce.
const keyLength = 24

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(GUID))

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether key is the base64 encoding of exactly 16 bytes.
func ValidKey(key string) bool {
	if len(key) != keyLength {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(key)

	return err == nil && len(decoded) == 16
}

// NewKey generates a random Sec-WebSocket-Key.
func NewKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// NewMask generates a random masking key.
func NewMask() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])

	return key, err
}
