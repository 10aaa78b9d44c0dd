package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live message stream from the push endpoint.
// ReadEvent blocks until the next server event arrives or the stream fails.
type Transport interface {
	ReadEvent() (*Event, error)
	Close() error
}

// Dialer establishes a Transport. The websocket dialer is the production
// implementation; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebSocketDialer dials the push endpoint over websocket and reads
// JSON event frames.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the websocket handshake (default 15s).
	HandshakeTimeout time.Duration
}

// Dial establishes the websocket and returns it as a Transport.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   8192,
		WriteBufferSize:  8192,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, ErrConnection(fmt.Sprintf("websocket handshake failed (status %d)", resp.StatusCode), err)
		}
		return nil, ErrConnection("websocket dial failed", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadEvent() (*Event, error) {
	var ev Event
	if err := t.conn.ReadJSON(&ev); err != nil {
		return nil, ErrConnection("read event", err)
	}
	return &ev, nil
}

func (t *wsTransport) Close() error {
	// Best-effort close frame; the server tolerates an abrupt close.
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline) //nolint:errcheck // best-effort cleanup
	return t.conn.Close()
}
