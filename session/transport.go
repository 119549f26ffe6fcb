package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Framing selects how messages are delimited on a stream transport.
type Framing string

const (
	// FramingRaw treats one read of the fixed buffer as one message. This is
	// what the simulator speaks by default.
	FramingRaw Framing = "raw"
	// FramingLine delimits messages with '\n'.
	FramingLine Framing = "line"
	// FramingLength prefixes each message with a 4-byte big-endian length.
	FramingLength Framing = "length"
)

const maxFrameSize = 1 << 20

// Kind selects the transport.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindWebsocket Kind = "ws"
)

// Transport moves whole messages to and from the simulator.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func ParseFraming(s string) (Framing, error) {
	switch f := Framing(s); f {
	case FramingRaw, FramingLine, FramingLength:
		return f, nil
	}
	return "", fmt.Errorf("unknown framing %q", s)
}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTCP, KindWebsocket:
		return k, nil
	}
	return "", fmt.Errorf("unknown transport %q", s)
}

type streamTransport struct {
	conn    net.Conn
	framing Framing
	r       *bufio.Reader
	buf     []byte
}

func newStreamTransport(conn net.Conn, framing Framing, bufSize int) *streamTransport {
	t := &streamTransport{conn: conn, framing: framing}
	switch framing {
	case FramingRaw:
		t.buf = make([]byte, bufSize)
	default:
		t.r = bufio.NewReaderSize(conn, bufSize)
	}
	return t
}

func (t *streamTransport) ReadMessage() ([]byte, error) {
	switch t.framing {
	case FramingLine:
		line, err := t.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		return line[:len(line)-1], nil
	case FramingLength:
		var hdr [4]byte
		if _, err := io.ReadFull(t.r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxFrameSize)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(t.r, b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		for {
			n, err := t.conn.Read(t.buf)
			if n == len(t.buf) {
				// The message may continue in the next read.
				return nil, &TransientFrameError{Reason: "read filled buffer", Data: append([]byte(nil), t.buf[:n]...)}
			}
			if n > 0 {
				return append([]byte(nil), t.buf[:n]...), nil
			}
			if err != nil {
				return nil, err
			}
		}
	}
}

func (t *streamTransport) WriteMessage(b []byte) error {
	switch t.framing {
	case FramingLine:
		b = append(b, '\n')
	case FramingLength:
		out := make([]byte, 4+len(b))
		binary.BigEndian.PutUint32(out, uint32(len(b)))
		copy(out[4:], b)
		b = out
	}
	_, err := t.conn.Write(b)
	return err
}

func (t *streamTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *streamTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *streamTransport) Close() error                       { return t.conn.Close() }

// wsTransport carries one JSON message per websocket text message.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, b, err := t.conn.ReadMessage()
	return b, err
}

func (t *wsTransport) WriteMessage(b []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func dialWebsocket(ctx context.Context, nd *net.Dialer, addr, path string, timeout time.Duration, bufSize int) (Transport, error) {
	dialer := websocket.Dialer{
		NetDialContext:   nd.DialContext,
		HandshakeTimeout: timeout,
		ReadBufferSize:   bufSize,
		WriteBufferSize:  bufSize,
	}
	if path == "" {
		path = "/"
	}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}
