package protocol

import "errors"

// Response is a server reply, or an update pushed by the server. Updates
// carry no request ID.
type Response struct {
	Type      ResponseType
	RequestID RequestID

	// Value holds the value of a GET reply or an update.
	Value []byte

	// Key is set for updates.
	Key []byte

	// Message is the text of an ERR reply.
	Message string
}

// ErrorOrNil returns an error if the response contains an error. Otherwise it
// returns nil.
func (r *Response) ErrorOrNil() error {
	if r.Type == RespErr {
		return errors.New(r.Message)
	}

	return nil
}

// Update returns the key change carried by an update response.
func (r *Response) Update() *Update {
	if r.Type != RespUpdate {
		return nil
	}

	return &Update{Key: r.Key, Value: r.Value}
}
