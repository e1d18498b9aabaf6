package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = time.Second
)

// wsPeer adapts a gorilla connection to the gateway's Peer contract.
// Writes are serialized by a mutex; Close is idempotent.
type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{conn: conn}
}

func (p *wsPeer) Send(data []byte) error {
	if p.closed.Load() {
		return websocket.ErrCloseSent
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.closed.Store(true)
		return err
	}
	return nil
}

func (p *wsPeer) Close(code int, reason string) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	return p.conn.Close()
}

func (p *wsPeer) Alive() bool {
	return !p.closed.Load()
}
