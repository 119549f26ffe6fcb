// Package simtest provides an in-process fake game simulator for tests.
package simtest

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Options controls how the fake simulator plays.
type Options struct {
	// EpisodeLength is the number of steps before the episode ends.
	EpisodeLength int
	// Winner is reported on the final step. -1 reports a draw.
	Winner int
	// OmitWinner ends episodes with "done" only.
	OmitWinner bool
	// OmitFinalState ends episodes with a reply carrying no state.
	OmitFinalState bool
	// Framing is "raw", "line" or "length".
	Framing string
	// State builds the state sent after step n (0 for the first state).
	State func(n int) []float64
	// MissingStarting replies to start without the starting flag.
	MissingStarting bool
	// WinnerFunc, when set, overrides Winner per episode (1-based).
	WinnerFunc func(episode int) int
}

// Server is a loopback listener speaking the simulator protocol.
type Server struct {
	t    testing.TB
	opts Options
	ln   net.Listener
	http *httptest.Server

	mu          sync.Mutex
	conns       []net.Conn
	accepted    int
	episodes    int
	ends        int
	steps       int
	actions     [][2][]float64
	dropAtStep  int
	stallAtStep int
	mergeNext   bool
	wg          sync.WaitGroup
}

func (o Options) withDefaults() Options {
	if o.EpisodeLength <= 0 {
		o.EpisodeLength = 10
	}
	if o.Framing == "" {
		o.Framing = "raw"
	}
	if o.State == nil {
		o.State = DefaultState
	}
	return o
}

// DefaultState places player 1 at (1+n/10, 1) and player 2 at (8, 4) with
// no projectiles.
func DefaultState(n int) []float64 {
	s := make([]float64, 52)
	for _, base := range []int{0, 26} {
		for i := 0; i < 5; i++ {
			s[base+6+i*4] = -100
			s[base+7+i*4] = -100
		}
	}
	s[0], s[1] = 1+float64(n)/10, 1
	s[26], s[27] = 8, 4
	return s
}

// New starts a TCP fake simulator. It is closed with t.Cleanup.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{t: t, opts: opts.withDefaults(), ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// NewWebsocket starts a fake simulator behind a websocket upgrade.
func NewWebsocket(t testing.TB, opts Options) *Server {
	t.Helper()
	s := &Server{t: t, opts: opts.withDefaults()}
	upgrader := websocket.Upgrader{}
	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn.NetConn())
		s.mu.Unlock()
		s.serve(&wsConn{conn: conn}, conn.NetConn())
	}))
	t.Cleanup(s.Close)
	return s
}

// Port is the listening port.
func (s *Server) Port() int {
	var addr string
	if s.http != nil {
		addr = strings.TrimPrefix(s.http.URL, "http://")
	} else {
		addr = s.ln.Addr().String()
	}
	_, p, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(p)
	return port
}

// DropAtStep closes the connection when the n-th step of an episode arrives
// instead of replying. It fires once.
func (s *Server) DropAtStep(n int) {
	s.mu.Lock()
	s.dropAtStep = n
	s.mu.Unlock()
}

// StallAtStep stops replying when the n-th step arrives. It fires once.
func (s *Server) StallAtStep(n int) {
	s.mu.Lock()
	s.stallAtStep = n
	s.mu.Unlock()
}

// MergeNextStart writes the next start acknowledgement and first state in
// a single write, as a racing simulator does.
func (s *Server) MergeNextStart() {
	s.mu.Lock()
	s.mergeNext = true
	s.mu.Unlock()
}

// Accepted is the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Episodes is the number of episodes started.
func (s *Server) Episodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episodes
}

// Ends counts "end" messages received.
func (s *Server) Ends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ends
}

// Actions returns every (player 1, player 2) action pair received.
func (s *Server) Actions() [][2][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2][]float64(nil), s.actions...)
}

func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	if s.http != nil {
		s.http.CloseClientConnections()
		s.http.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(newStreamConn(conn, s.opts.Framing), conn)
		}()
	}
}

type msgConn interface {
	read() ([]byte, error)
	write(b []byte) error
}

type streamConn struct {
	conn    net.Conn
	framing string
	r       *bufio.Reader
	buf     []byte
}

func newStreamConn(conn net.Conn, framing string) *streamConn {
	return &streamConn{conn: conn, framing: framing, r: bufio.NewReader(conn), buf: make([]byte, 4096)}
}

func (c *streamConn) read() ([]byte, error) {
	switch c.framing {
	case "line":
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		return line[:len(line)-1], nil
	case "length":
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return nil, err
		}
		b := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		_, err := io.ReadFull(c.r, b)
		return b, err
	default:
		n, err := c.conn.Read(c.buf)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), c.buf[:n]...), nil
	}
}

func (c *streamConn) write(b []byte) error {
	switch c.framing {
	case "line":
		b = append(b, '\n')
	case "length":
		out := make([]byte, 4+len(b))
		binary.BigEndian.PutUint32(out, uint32(len(b)))
		copy(out[4:], b)
		b = out
	}
	_, err := c.conn.Write(b)
	return err
}

type wsConn struct{ conn *websocket.Conn }

func (c *wsConn) read() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	return b, err
}

func (c *wsConn) write(b []byte) error { return c.conn.WriteMessage(websocket.TextMessage, b) }

func (s *Server) serve(c msgConn, raw net.Conn) {
	defer raw.Close()
	step := 0
	for {
		b, err := c.read()
		if err != nil {
			return
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			s.t.Logf("simtest: bad message %q: %v", b, err)
			return
		}
		switch {
		case msg["restart"] != nil:
			step = 0
			if c.write(mustJSON(map[string]bool{"restarting": true})) != nil {
				return
			}
		case msg["start"] != nil:
			s.mu.Lock()
			s.episodes++
			merge := s.mergeNext
			s.mergeNext = false
			s.mu.Unlock()
			ack := map[string]bool{"starting": true}
			if s.opts.MissingStarting {
				ack = map[string]bool{"started": true}
			}
			first := mustJSON(map[string]any{"state": s.opts.State(0)})
			if merge {
				if c.write(append(mustJSON(ack), first...)) != nil {
					return
				}
				continue
			}
			if c.write(mustJSON(ack)) != nil {
				return
			}
			// Give the client a chance to read the ack on its own.
			time.Sleep(2 * time.Millisecond)
			if c.write(first) != nil {
				return
			}
		case msg["end"] != nil:
			s.mu.Lock()
			s.ends++
			s.mu.Unlock()
			c.write(mustJSON(map[string]bool{"ending": true}))
			return
		case msg["1"] != nil:
			step++
			var p1, p2 []float64
			json.Unmarshal(msg["1"], &p1)
			json.Unmarshal(msg["2"], &p2)
			s.mu.Lock()
			s.steps++
			s.actions = append(s.actions, [2][]float64{p1, p2})
			drop := s.dropAtStep == step
			if drop {
				s.dropAtStep = 0
			}
			stall := s.stallAtStep == step
			if stall {
				s.stallAtStep = 0
			}
			episode := s.episodes
			s.mu.Unlock()
			if drop {
				return
			}
			if stall {
				// Keep the connection open but never answer.
				for {
					if _, err := c.read(); err != nil {
						return
					}
				}
			}
			reply := map[string]any{"state": s.opts.State(step)}
			if step >= s.opts.EpisodeLength {
				reply["done"] = true
				if s.opts.OmitFinalState {
					delete(reply, "state")
				}
				if !s.opts.OmitWinner {
					w := s.opts.Winner
					if s.opts.WinnerFunc != nil {
						w = s.opts.WinnerFunc(episode)
					}
					reply["winner"] = w
				}
			}
			if c.write(mustJSON(reply)) != nil {
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
