package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand          = errors.New("Unknown command could not be parsed")
	ErrRequestTooShort         = errors.New("Request is malformed, it appears to be too short")
	ErrRequestMissingSetSpace  = errors.New("Set command is malformed, it appears to be missing a space between SET and the key")
	ErrRequestMissingKey       = errors.New("Request is malformed, the key is empty")
	ErrResponseMissingErrSpace = errors.New("Err command response is malformed, it appears to be missing a space between ERR and the error messsage")
	ErrUpdateMissingSpace      = errors.New("Update is malformed, it appears to be missing a space between the key and the value")

	PrefixPing = []byte("PING")
	PrefixGet  = []byte("GET")
	PrefixPong = []byte("PONG")
	PrefixOk   = []byte("OK")
	PrefixErr  = []byte("ERR")

	// PrefixUpdate starts every update from the server
	PrefixUpdate = []byte("*")
)

const requestIDLen = len(RequestID{})

// MessageReader returns one framed message per call. The returned slice must
// stay valid until the next call.
type MessageReader interface {
	ReadMessage() ([]byte, error)
}

// ReadRequest reads one Beacon request from r. A SET consumes a second
// message holding the value.
func ReadRequest(r MessageReader) (Request, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest(msg)
	if err != nil {
		return nil, err
	}

	if set, ok := req.(*SetRequest); ok {
		value, err := r.ReadMessage()
		if err != nil {
			return nil, err
		}

		set.Value = append([]byte(nil), RemoveTrailingCR(value)...)
	}

	return req, nil
}

// ParseRequest parses the command message of a request. The returned request
// does not alias msg. The value of a SET is left for the caller to read.
func ParseRequest(msg []byte) (Request, error) {
	if len(msg) < requestIDLen+len(PrefixPing) {
		return nil, ErrRequestTooShort
	}

	var header requestHeader
	copy(header.id[:], msg[:requestIDLen])

	rawCommand := RemoveTrailingCR(msg[requestIDLen:])

	cmd, rest, ok := ParseCommand(rawCommand)
	if !ok {
		return nil, fmt.Errorf("Failed to parse '%s': %w",
			string(rawCommand), ErrUnknownCommand)
	}

	var key []byte
	if cmd.TakesKey() {
		var err error
		if key, err = parseKey(rawCommand, rest); err != nil {
			return nil, err
		}
	}

	switch cmd {
	case QUIT:
		return &QuitRequest{header}, nil
	case PING:
		return &PingRequest{header}, nil
	case GET:
		return &GetRequest{requestHeader: header, Key: key}, nil
	default:
		return &SetRequest{requestHeader: header, Key: key}, nil
	}
}

func parseKey(rawCommand, rest []byte) ([]byte, error) {
	if len(rest) == 0 || rest[0] != ' ' {
		// There should be a space delimiting the command from its key
		return nil, fmt.Errorf("Failed to parse '%s': %w",
			string(rawCommand), ErrRequestMissingSetSpace)
	}

	key := rest[1:]
	if len(key) == 0 {
		return nil, ErrRequestMissingKey
	}

	return append([]byte(nil), key...), nil
}

// ReadResponse reads one Beacon response or update from r.
func ReadResponse(r MessageReader) (*Response, error) {
	msg, err := r.ReadMessage()
	if err != nil {
		return nil, err
	}

	if len(msg) > 0 && msg[0] == PrefixUpdate[0] {
		// This is an update pushed from the server, not a response to
		// a client request.
		update, err := ParseUpdate(msg)
		if err != nil {
			return nil, err
		}

		return &Response{
			Type:  RespUpdate,
			Key:   update.Key,
			Value: update.Value,
		}, nil
	}

	if len(msg) < requestIDLen+len(PrefixOk) {
		return nil, ErrRequestTooShort
	}

	var requestID RequestID
	copy(requestID[:], msg[:requestIDLen])

	rawCommand := RemoveTrailingCR(msg[requestIDLen:])

	switch {
	case bytes.HasPrefix(rawCommand, PrefixPong):
		return &Response{Type: RespPong, RequestID: requestID}, nil

	case bytes.HasPrefix(rawCommand, PrefixOk):
		return &Response{Type: RespOk, RequestID: requestID}, nil

	case bytes.HasPrefix(rawCommand, PrefixGet):
		value, err := r.ReadMessage()
		if err != nil {
			return nil, err
		}

		return &Response{
			Type:      RespGet,
			RequestID: requestID,
			Value:     append([]byte(nil), RemoveTrailingCR(value)...),
		}, nil

	case bytes.HasPrefix(rawCommand, PrefixErr):
		if len(rawCommand) <= len(PrefixErr) || rawCommand[len(PrefixErr)] != ' ' {
			// There should be a space delimiting the ERR from its message
			return nil, fmt.Errorf("Failed to parse '%s': %w",
				string(rawCommand), ErrResponseMissingErrSpace)
		}

		return &Response{
			Type:      RespErr,
			RequestID: requestID,
			Message:   string(rawCommand[len(PrefixErr)+1:]),
		}, nil

	default:
		return nil, fmt.Errorf("Failed to parse '%s': %w",
			string(rawCommand), ErrUnknownCommand)
	}
}

func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		// Remove the optional trailing \r
		return data[:len(data)-1]
	}

	return data
}
