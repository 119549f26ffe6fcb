// Package session keeps a framed JSON connection to one game simulator
// alive across restarts, timeouts and malformed frames.
//
// A Session is not safe for concurrent use, with the exception of
// KillCompanion which may be called from a supervising goroutine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds session configuration.
type Config struct {
	GameIP   string
	GamePort int
	// LocalPort is the port bound on our side. 0 means GamePort+1 and -1
	// lets the OS pick.
	LocalPort       int
	ConnectAttempts int
	Backoff         time.Duration
	Timeout         time.Duration
	RandomPortMin   int
	RandomPortMax   int
	Framing         Framing
	Transport       Kind
	WSPath          string
	ReadBufferSize  int

	// GamePath, when set, is started as "GamePath <GamePort>" before every
	// connection attempt sequence.
	GamePath    string
	GameLogPath string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		GameIP:          "127.0.0.1",
		GamePort:        50000,
		ConnectAttempts: 60,
		Backoff:         time.Second,
		Timeout:         10 * time.Second,
		RandomPortMin:   33000,
		RandomPortMax:   60000,
		Framing:         FramingRaw,
		Transport:       KindTCP,
		WSPath:          "/",
		ReadBufferSize:  4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GameIP == "" {
		c.GameIP = d.GameIP
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = d.ConnectAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RandomPortMin <= 0 || c.RandomPortMax < c.RandomPortMin {
		c.RandomPortMin, c.RandomPortMax = d.RandomPortMin, d.RandomPortMax
	}
	if c.Framing == "" {
		c.Framing = d.Framing
	}
	if c.Transport == "" {
		c.Transport = d.Transport
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// BoundPort is the local port a session binds before any random fallback.
func (c Config) BoundPort() int {
	switch {
	case c.LocalPort < 0:
		return 0
	case c.LocalPort == 0:
		return c.GamePort + 1
	default:
		return c.LocalPort
	}
}

func (c Config) addr() string {
	return net.JoinHostPort(c.GameIP, strconv.Itoa(c.GamePort))
}

// Session owns one connection and, optionally, the simulator process behind it.
type Session struct {
	cfg Config
	log *slog.Logger

	tr      Transport
	logFile io.WriteCloser

	procMu sync.Mutex
	proc   *companion

	last     RawState
	steps    int
	connects int
	broken   bool
	closed   bool
}

// Dial starts the companion (if configured) and connects. It returns either
// a connected session or a *ConnectionSetupError.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg: cfg,
		log: cfg.Logger.With("game_port", cfg.GamePort),
	}
	if cfg.GamePath != "" && cfg.GameLogPath != "" {
		f, err := os.OpenFile(cfg.GameLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, &ConnectionSetupError{Addr: cfg.addr(), Stage: "companion", Err: err}
		}
		s.logFile = f
	}
	if err := s.connect(ctx); err != nil {
		s.teardown()
		if s.logFile != nil {
			s.logFile.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) Config() Config { return s.cfg }

// LastState is the most recent state received from the simulator.
func (s *Session) LastState() RawState { return s.last }

// Steps is the number of steps taken in the current episode.
func (s *Session) Steps() int { return s.steps }

// Connects counts successful connections, including reconnects.
func (s *Session) Connects() int { return s.connects }

// Broken reports whether the last reconnect failed.
func (s *Session) Broken() bool { return s.broken }

func (s *Session) connect(ctx context.Context) error {
	cfg := s.cfg
	if cfg.GamePath != "" {
		var out io.Writer = io.Discard
		if s.logFile != nil {
			out = s.logFile
		}
		proc, err := startCompanion(cfg.GamePath, cfg.GamePort, out)
		if err != nil {
			return &ConnectionSetupError{Addr: cfg.addr(), Stage: "companion", Attempts: 1, Err: err}
		}
		s.procMu.Lock()
		s.proc = proc
		s.procMu.Unlock()
		s.log.Info("started companion", "path", cfg.GamePath, "pid", proc.pid())
	}

	port := cfg.BoundPort()
	random := false
	var bindFails, randomFails, connectFails int
	for {
		tr, err := s.dialOnce(ctx, port)
		if err == nil {
			s.tr = tr
			s.connects++
			s.log.Info("connected", "addr", cfg.addr(), "local_port", port)
			return nil
		}
		if ctx.Err() != nil {
			return &ConnectionSetupError{Addr: cfg.addr(), Stage: "connect", Attempts: bindFails + randomFails + connectFails + 1, Err: ctx.Err()}
		}
		if isAddrInUse(err) {
			if !random {
				bindFails++
				s.log.Debug("bind failed, trying again", "local_port", port, "attempt", bindFails, "error", err)
				if bindFails >= cfg.ConnectAttempts {
					s.log.Warn("problem binding, trying random ports", "local_port", port)
					random = true
				}
			} else {
				randomFails++
				if randomFails >= cfg.ConnectAttempts {
					return &ConnectionSetupError{Addr: cfg.addr(), Stage: "bind", Attempts: bindFails + randomFails, Err: err}
				}
			}
		} else {
			connectFails++
			s.log.Debug("could not connect, sleeping", "addr", cfg.addr(), "attempt", connectFails, "error", err)
			if connectFails >= cfg.ConnectAttempts {
				return &ConnectionSetupError{Addr: cfg.addr(), Stage: "connect", Attempts: connectFails, Err: err}
			}
		}
		if random {
			port = cfg.RandomPortMin + rand.Intn(cfg.RandomPortMax-cfg.RandomPortMin+1)
		}

		select {
		case <-ctx.Done():
			return &ConnectionSetupError{Addr: cfg.addr(), Stage: "connect", Attempts: bindFails + randomFails + connectFails, Err: ctx.Err()}
		case <-time.After(cfg.Backoff):
		}
	}
}

func (s *Session) dialOnce(ctx context.Context, port int) (Transport, error) {
	nd := &net.Dialer{Timeout: s.cfg.Timeout, Control: reuseAddr}
	if port > 0 {
		nd.LocalAddr = &net.TCPAddr{Port: port}
	}
	if s.cfg.Transport == KindWebsocket {
		return dialWebsocket(ctx, nd, s.cfg.addr(), s.cfg.WSPath, s.cfg.Timeout, s.cfg.ReadBufferSize)
	}
	conn, err := nd.DialContext(ctx, "tcp", s.cfg.addr())
	if err != nil {
		return nil, err
	}
	return newStreamTransport(conn, s.cfg.Framing, s.cfg.ReadBufferSize), nil
}

// Send encodes msg as JSON and writes it as one message.
func (s *Session) Send(msg any) error {
	if s.tr == nil {
		return &ConnectionLostError{Op: "send", Err: net.ErrClosed}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.tr.SetWriteDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return lost("send", err)
	}
	if err := s.tr.WriteMessage(b); err != nil {
		return lost("send", err)
	}
	return nil
}

// Receive reads and decodes one message.
func (s *Session) Receive() (ServerMessage, error) {
	if s.tr == nil {
		return ServerMessage{}, &ConnectionLostError{Op: "receive", Err: net.ErrClosed}
	}
	if err := s.tr.SetReadDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		return ServerMessage{}, lost("receive", err)
	}
	b, err := s.tr.ReadMessage()
	if err != nil {
		return ServerMessage{}, lost("receive", err)
	}
	return decodeServerMessage(b)
}

// ResetEpisode runs the restart/start handshake and returns the first state
// of a new episode. Frame errors retry the handshake; lost connections
// reconnect first.
func (s *Session) ResetEpisode(ctx context.Context) (RawState, error) {
	for {
		if s.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.broken || s.tr == nil {
			if err := s.FixConnection(ctx); err != nil {
				return nil, err
			}
		}
		state, err := s.handshake()
		switch {
		case err == nil:
			s.last = state
			s.steps = 0
			return state, nil
		case isFrame(err):
			s.log.Debug("frame error during reset, retrying", "error", err)
		case isLost(err):
			s.log.Warn("connection error during reset, reconnecting", "error", err)
			if err := s.FixConnection(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (s *Session) handshake() (RawState, error) {
	if err := s.Send(msgRestart); err != nil {
		return nil, err
	}
	if _, err := s.Receive(); err != nil {
		return nil, err
	}
	if err := s.Send(msgStart); err != nil {
		return nil, err
	}
	ack, err := s.Receive()
	if err != nil {
		return nil, err
	}
	if ack.Starting == nil {
		return nil, fmt.Errorf("%w: start not acknowledged", ErrUnexpectedReply)
	}
	first, err := s.Receive()
	if err != nil {
		return nil, err
	}
	if first.State == nil {
		return nil, fmt.Errorf("%w: first message has no state", ErrUnexpectedReply)
	}
	return first.State, nil
}

// Step sends both players' actions and returns the next state. I/O and
// frame failures end the episode with a LostConnection transition and a
// reconnect; they are not returned as errors.
func (s *Session) Step(ctx context.Context, p1, p2 []float64) (Transition, error) {
	if s.closed {
		return Transition{}, ErrClosed
	}
	if s.broken || s.tr == nil {
		return s.lostTransition(), nil
	}
	err := s.Send(stepMessage(p1, p2))
	var reply ServerMessage
	if err == nil {
		reply, err = s.Receive()
	}
	if err == nil && reply.State == nil && reply.Done == nil && reply.Winner == nil {
		err = &TransientFrameError{Reason: "step reply has no state"}
	}
	if err != nil {
		if !isFrame(err) && !isLost(err) {
			return Transition{}, err
		}
		s.log.Warn("connection error during step, ending episode with no winner and reconnecting", "step", s.steps, "error", err)
		if ferr := s.FixConnection(ctx); ferr != nil {
			s.log.Error("reconnect failed", "error", ferr)
		}
		return s.lostTransition(), nil
	}

	// The final message of a game may carry only done and winner.
	if reply.State != nil {
		s.last = reply.State
	}
	s.steps++
	t := Transition{State: s.last, Winner: -1, Steps: s.steps, Done: reply.Done != nil}
	if reply.Winner != nil {
		t.Done = true
		t.HasWinner = true
		t.Winner = *reply.Winner
	}
	return t, nil
}

func (s *Session) lostTransition() Transition {
	return Transition{State: s.last, Done: true, Winner: -1, LostConnection: true, Steps: s.steps}
}

// FixConnection tears down the transport and companion and connects again.
// On failure the session is marked broken; the next ResetEpisode retries.
func (s *Session) FixConnection(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	s.teardown()
	if err := s.connect(ctx); err != nil {
		s.broken = true
		return err
	}
	s.broken = false
	return nil
}

// teardown closes the transport and stops the companion.
func (s *Session) teardown() {
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	s.procMu.Lock()
	proc := s.proc
	s.proc = nil
	s.procMu.Unlock()
	if proc != nil {
		proc.stop(s.cfg.Timeout, s.log)
	}
}

// KillCompanion kills the simulator process started by this session, if any.
func (s *Session) KillCompanion() error {
	s.procMu.Lock()
	proc := s.proc
	s.procMu.Unlock()
	if proc == nil {
		return nil
	}
	s.log.Info("killing companion", "pid", proc.pid())
	return proc.kill()
}

// Close sends the shutdown handshake, closes the connection and waits for
// the companion to exit. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.tr != nil {
		if err := s.shutdown(); err != nil {
			s.log.Warn("shutdown handshake", "error", err)
		}
		if err := s.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		s.tr = nil
	}
	s.procMu.Lock()
	proc := s.proc
	s.proc = nil
	s.procMu.Unlock()
	if proc != nil {
		if err := proc.wait(s.cfg.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("wait companion: %w", err))
		}
	}
	if s.logFile != nil {
		if err := s.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("session closed")
	return errors.Join(errs...)
}

func (s *Session) shutdown() error {
	if err := s.Send(msgRestart); err != nil {
		return err
	}
	if _, err := s.Receive(); err != nil {
		return err
	}
	if err := s.Send(msgEnd); err != nil {
		return err
	}
	reply, err := s.Receive()
	if err != nil {
		return err
	}
	if reply.Ending == nil {
		return fmt.Errorf("%w: end not acknowledged", ErrUnexpectedReply)
	}
	return nil
}
