package protocol

import (
	"bytes"
	"fmt"
)

// Update is a key change pushed to every client.
type Update struct {
	Key   []byte
	Value []byte
}

// EncodeUpdate builds the `*<key> <value>` message for a key change.
func EncodeUpdate(key, value []byte) []byte {
	b := make([]byte, 0, len(PrefixUpdate)+len(key)+1+len(value))
	b = append(b, PrefixUpdate...)
	b = append(b, key...)
	b = append(b, ' ')

	return append(b, value...)
}

// ParseUpdate is the inverse of EncodeUpdate. The result does not alias msg.
func ParseUpdate(msg []byte) (*Update, error) {
	if !bytes.HasPrefix(msg, PrefixUpdate) {
		return nil, fmt.Errorf("Failed to parse '%s': %w", string(msg), ErrUnknownCommand)
	}

	body := RemoveTrailingCR(msg[len(PrefixUpdate):])

	i := bytes.IndexByte(body, ' ')
	if i <= 0 {
		return nil, fmt.Errorf("Failed to parse '%s': %w", string(msg), ErrUpdateMissingSpace)
	}

	return &Update{
		Key:   append([]byte(nil), body[:i]...),
		Value: append([]byte(nil), body[i+1:]...),
	}, nil
}
