package protocol

import (
	"fmt"
)

// Sender writes messages as one atomic unit: nothing else is sent on the same
// connection between the first and the last of msgs.
type Sender interface {
	Send(msgs ...[]byte) error
}

func WriteOk(s Sender, requestID RequestID) error {
	return s.Send(PrependRequestID(PrefixOk, requestID))
}

func WriteString(s Sender, requestID RequestID, str string) error {
	return s.Send(PrependRequestID([]byte(str), requestID))
}

// WriteLines sends each line as its own message. Only the first carries the
// request ID.
func WriteLines(s Sender, requestID RequestID, lines ...[]byte) error {
	if len(lines) == 0 {
		return nil
	}

	msgs := make([][]byte, 0, len(lines))
	msgs = append(msgs, PrependRequestID(lines[0], requestID))
	msgs = append(msgs, lines[1:]...)

	return s.Send(msgs...)
}

func WriteError(s Sender, requestID RequestID, errMsg string) error {
	b := []byte(fmt.Sprintf("ERR %s", errMsg))
	return s.Send(PrependRequestID(b, requestID))
}

func PrependRequestID(data []byte, requestID RequestID) []byte {
	b := make([]byte, 0, len(requestID)+len(data))
	b = append(b, requestID[:]...)

	return append(b, data...)
}
