package call

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Conn is the websocket surface the gateway adapters use.
// *websocket.Conn from gorilla/websocket satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Peer serialises writes to a Conn. The read loop and the conversation
// goroutine both write to the same socket.
type Peer struct {
	mu   sync.Mutex
	conn Conn
	log  *zap.Logger
}

func NewPeer(conn Conn, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Peer{conn: conn, log: log}
}

// Send writes v as one JSON message.
func (p *Peer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ce := p.log.Check(zap.DebugLevel, "OUT"); ce != nil {
		raw, _ := json.Marshal(v)
		ce.Write(zap.ByteString("payload", raw))
	}
	return p.conn.WriteJSON(v)
}

// Receive reads the next message.
func (p *Peer) Receive() ([]byte, error) {
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	p.log.Debug("IN", zap.ByteString("payload", data))
	return data, nil
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
