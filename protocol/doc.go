package protocol

// This package implements parsing and serialising the messages of the
// protocol Beacon uses to talk to its line clients.
//
// The protocol is message oriented. It does not care how messages are framed
// on the wire: the server speaks it over a delimiter terminated stream
// (`\r\n` by default) or over a length prefixed one, as configured. Every
// function here works on whole messages.
//
// We've stolen many ideas from the Redis protocol (RESP).
//
// - `Command` - A client instruction to Beacon.
// - `Request` - When a client sends a command to a Beacon server.
// - `Response` - When a server sends a command response to a client.
// - `Update` - A notification of a change to a single key. These are
//              sent from a Beacon server to its clients.
//
// === Client Commands
//
// - `QUIT` - the client wishes to quit and the server can close the connection
// - `PING` - PING! Server will respond with PONG
// - `GET`  - The client wants the current value of a key
// - `SET`  - The client wishes to update a key to the provided value
//
// === General Syntax
//
// Command names are case sensitive and uppercase.
//
// As the server sends key updates whenever they are ready, updates can
// interleave with command replies. Request/response exchanges are therefore
// prefixed with a request ID, four alphanumeric bytes the server echoes back
// untouched. See MakeRequestID.
//
//   ```
//     > <reqID>PING
//     < <reqID>PONG
//   ```
//
// A single response or update is atomic: its messages are never interleaved
// with another response's.
//
// === Error responses
//
//   ```
//     > <reqID>PING
//     < <reqID>ERR <errMessage>
//   ```
//
// === SET
//
//  ```
//    > <reqID>SET <key>
//    > <value>
//    < <reqID>OK
//  ```
//
// === GET
//
//  ```
//    > <reqID>GET <key>
//    < <reqID>GET
//    < <value>
//  ```
//
// === Key updates
//
// Updates never carry a request ID. They are a single message prefixed
// with `*`:
//
//   ```
//   *<key> <json value>
//   ```
//
// The same message is sent as a text frame to WebSocket clients.
