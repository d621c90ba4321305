package protocol

import "bytes"

type Command string

const (
	QUIT Command = "QUIT"
	PING Command = "PING"
	SET  Command = "SET"
	GET  Command = "GET"
)

// TakesKey reports whether the command is followed by a space and a key.
func (c Command) TakesKey() bool {
	return c == SET || c == GET
}

var commands = []Command{QUIT, PING, SET, GET}

// ParseCommand matches the command word at the start of b and returns what
// follows it, untrimmed.
func ParseCommand(b []byte) (Command, []byte, bool) {
	for _, c := range commands {
		if bytes.HasPrefix(b, []byte(c)) {
			return c, b[len(c):], true
		}
	}

	return "", nil, false
}

type ResponseType string

const (
	RespPong   ResponseType = "PONG"
	RespOk     ResponseType = "OK"
	RespGet    ResponseType = "GET"
	RespErr    ResponseType = "ERR"
	RespUpdate ResponseType = "UPDATE"
)
