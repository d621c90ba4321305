package protocol

type RequestID [4]byte

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MakeRequestID encodes a client side counter as an alphanumeric request ID.
// IDs repeat every 62^4 requests. Keeping them alphanumeric means an ID can
// never contain a delimiter or start like an update.
func MakeRequestID(n uint32) RequestID {
	var id RequestID
	for i := len(id) - 1; i >= 0; i-- {
		id[i] = idAlphabet[n%uint32(len(idAlphabet))]
		n /= uint32(len(idAlphabet))
	}

	return id
}

func (r RequestID) String() string {
	return string(r[:])
}

// Request is a parsed client request. Messages returns its wire form, one
// entry per framed message.
type Request interface {
	GetRequestID() RequestID
	GetCommand() Command
	Messages() [][]byte
}

type requestHeader struct {
	id RequestID
}

func (h requestHeader) GetRequestID() RequestID { return h.id }

func (h requestHeader) command(c Command, key []byte) []byte {
	b := make([]byte, 0, len(h.id)+len(c)+1+len(key))
	b = append(b, h.id[:]...)
	b = append(b, c...)
	if c.TakesKey() {
		b = append(b, ' ')
		b = append(b, key...)
	}

	return b
}

type QuitRequest struct{ requestHeader }

func NewQuitRequest(id RequestID) *QuitRequest {
	return &QuitRequest{requestHeader{id}}
}

func (q *QuitRequest) GetCommand() Command { return QUIT }
func (q *QuitRequest) Messages() [][]byte  { return [][]byte{q.command(QUIT, nil)} }

type PingRequest struct{ requestHeader }

func NewPingRequest(id RequestID) *PingRequest {
	return &PingRequest{requestHeader{id}}
}

func (p *PingRequest) GetCommand() Command { return PING }
func (p *PingRequest) Messages() [][]byte  { return [][]byte{p.command(PING, nil)} }

// SetRequest travels as two messages, the command and then the value.
type SetRequest struct {
	requestHeader
	Key   []byte
	Value []byte
}

func NewSetRequest(id RequestID, key, value []byte) *SetRequest {
	return &SetRequest{requestHeader: requestHeader{id}, Key: key, Value: value}
}

func (s *SetRequest) GetCommand() Command { return SET }

func (s *SetRequest) Messages() [][]byte {
	return [][]byte{s.command(SET, s.Key), s.Value}
}

type GetRequest struct {
	requestHeader
	Key []byte
}

func NewGetRequest(id RequestID, key []byte) *GetRequest {
	return &GetRequest{requestHeader: requestHeader{id}, Key: key}
}

func (g *GetRequest) GetCommand() Command { return GET }
func (g *GetRequest) Messages() [][]byte  { return [][]byte{g.command(GET, g.Key)} }

var (
	_ Request = (*QuitRequest)(nil)
	_ Request = (*PingRequest)(nil)
	_ Request = (*SetRequest)(nil)
	_ Request = (*GetRequest)(nil)
)
