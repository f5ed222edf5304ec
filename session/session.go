// Package session maintains the realtime WebSocket link to the assistant
// backend: connect, heartbeat, reconnect with backoff, and typed dispatch
// of inbound envelopes.
package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"aria/wire"
)

// State is the connection lifecycle of the transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	// maxMissedPongs is how many heartbeat intervals may pass without a
	// pong before the link is declared dead.
	maxMissedPongs = 2
)

type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	// ReconnectDelay is the first backoff step; it doubles per attempt up
	// to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// MaxReconnects bounds the reconnect budget; when exhausted the
	// transport parks in the errored state.
	MaxReconnects     int
	HeartbeatInterval time.Duration
}

// Listener receives inbound envelopes. Listeners run on the read loop in
// receipt order and must not block.
type Listener func(wire.Message)

// StateListener observes lifecycle transitions.
type StateListener func(State)

// ErrorListener observes transport errors: failed dials, broken reads,
// heartbeat timeouts.
type ErrorListener func(error)

// Transport is a single WebSocket session. All exported methods are safe
// for concurrent use.
type Transport struct {
	cfg Config
	log zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	state      State
	gen        int // connection generation, stale goroutines check it
	manual     bool
	reconnects int
	lastPong   time.Time
	lastErr    error

	// writeMu serializes conn writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	sessionID string
	userID    string

	handlersMu sync.RWMutex
	handlers   map[wire.MessageType][]Listener
	catchAll   []Listener
	stateFns   []StateListener
	errFns     []ErrorListener
}

func NewTransport(cfg Config, log zerolog.Logger) *Transport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		log:      log,
		state:    StateDisconnected,
		handlers: make(map[wire.MessageType][]Listener),
	}
}

// UpdateSession sets the identity stamped onto outbound envelopes.
func (t *Transport) UpdateSession(sessionID, userID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.userID = userID
	t.mu.Unlock()
}

// On registers a listener for one message type.
func (t *Transport) On(mt wire.MessageType, fn Listener) {
	t.handlersMu.Lock()
	t.handlers[mt] = append(t.handlers[mt], fn)
	t.handlersMu.Unlock()
}

// OnAny registers a catch-all listener invoked after typed listeners.
func (t *Transport) OnAny(fn Listener) {
	t.handlersMu.Lock()
	t.catchAll = append(t.catchAll, fn)
	t.handlersMu.Unlock()
}

// OnState registers a lifecycle observer.
func (t *Transport) OnState(fn StateListener) {
	t.handlersMu.Lock()
	t.stateFns = append(t.stateFns, fn)
	t.handlersMu.Unlock()
}

// OnError registers a transport error observer.
func (t *Transport) OnError(fn ErrorListener) {
	t.handlersMu.Lock()
	t.errFns = append(t.errFns, fn)
	t.handlersMu.Unlock()
}

// LastError returns the most recent transport error, nil when none occurred.
func (t *Transport) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *Transport) emitErr(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.handlersMu.RLock()
	fns := t.errFns
	t.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	old := t.state
	t.state = s
	t.mu.Unlock()
	t.notifyState(old, s)
}

func (t *Transport) notifyState(old, s State) {
	if old == s {
		return
	}
	t.log.Info().Str("from", old.String()).Str("to", s.String()).Msg("state_change")
	t.handlersMu.RLock()
	fns := t.stateFns
	t.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid session URL: %w", err)
	}
	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the backend. It is a no-op while already connected or
// connecting; an errored transport may be connected again, which resets
// the reconnect budget.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.manual = false
	t.reconnects = 0
	// Enter connecting under the same lock as the guard so concurrent
	// Connect calls cannot both pass it and dial twice.
	old := t.state
	t.state = StateConnecting
	t.mu.Unlock()
	t.notifyState(old, StateConnecting)

	if err := t.dial(ctx); err != nil {
		t.setState(StateDisconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt and, on success, installs the
// connection and starts its loops.
func (t *Transport) dial(ctx context.Context) error {
	endpoint, err := t.endpoint()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		err = fmt.Errorf("dialing session endpoint: %w", err)
		t.emitErr(err)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.gen++
	t.lastPong = time.Now()
	gen := t.gen
	t.mu.Unlock()

	t.setState(StateConnected)
	t.log.Info().Str("url", t.cfg.URL).Msg("session_connected")

	go t.readLoop(conn, gen)
	go t.heartbeatLoop(conn, gen)
	return nil
}

// Disconnect closes the link deliberately. No reconnection follows.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.manual = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
	t.setState(StateDisconnected)
}

// Send stamps the envelope with the session identity and writes it.
// Returns false when the transport is not connected or the write fails;
// the message is not queued.
func (t *Transport) Send(msg wire.Message) bool {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	if msg.SessionID == "" {
		msg.SessionID = t.sessionID
	}
	if msg.UserID == "" {
		msg.UserID = t.userID
	}
	t.mu.Unlock()

	if !connected || conn == nil {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := wire.Encode(msg)
	if err != nil {
		t.log.Error().Err(err).Msg("envelope encode failed")
		return false
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.log.Warn().Err(err).Msg("session write failed")
		return false
	}
	return true
}

// SendVoiceFrame writes a raw audio frame as a binary message. Frames are
// dropped, not queued, while the link is down.
func (t *Transport) SendVoiceFrame(frame []byte) bool {
	t.mu.RLock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.RUnlock()

	if !connected || conn == nil || len(frame) == 0 {
		return false
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame) == nil
}

func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, gen, err)
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}

		switch msg.Type {
		case wire.TypePong:
			t.mu.Lock()
			t.lastPong = time.Now()
			t.mu.Unlock()
		case wire.TypePing:
			t.Send(wire.NewPong("", ""))
		}

		t.dispatch(msg)
	}
}

// dispatch runs typed listeners then catch-alls, synchronously, so
// callers observe messages in receipt order.
func (t *Transport) dispatch(msg wire.Message) {
	t.handlersMu.RLock()
	typed := t.handlers[msg.Type]
	catchAll := t.catchAll
	t.handlersMu.RUnlock()

	for _, fn := range typed {
		fn(msg)
	}
	for _, fn := range catchAll {
		fn(msg)
	}
}

// heartbeatLoop sends application-level pings and declares the link dead
// after maxMissedPongs intervals without a pong.
func (t *Transport) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.RLock()
		stale := t.gen != gen || t.conn != conn
		silence := time.Since(t.lastPong)
		t.mu.RUnlock()
		if stale {
			return
		}

		if silence > time.Duration(maxMissedPongs)*t.cfg.HeartbeatInterval {
			t.log.Warn().Dur("silence", silence).Msg("heartbeat timeout")
			t.emitErr(fmt.Errorf("heartbeat timeout after %v", silence))
			conn.Close() // read loop unblocks and reconnects
			return
		}
		t.Send(wire.NewPing("", ""))
	}
}

// handleDisconnect runs reconnection with capped exponential backoff.
// Stale generations and deliberate disconnects return immediately.
func (t *Transport) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	t.mu.Lock()
	if t.gen != gen || t.manual {
		t.mu.Unlock()
		return
	}
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()

	t.log.Warn().Err(cause).Msg("session_lost")
	t.emitErr(cause)

	for {
		t.mu.Lock()
		if t.manual {
			t.mu.Unlock()
			return
		}
		if t.cfg.MaxReconnects > 0 && t.reconnects >= t.cfg.MaxReconnects {
			t.mu.Unlock()
			t.log.Error().Int("attempts", t.reconnects).Msg("reconnect budget exhausted")
			t.setState(StateErrored)
			return
		}
		t.reconnects++
		attempt := t.reconnects
		t.mu.Unlock()

		t.setState(StateReconnecting)
		delay := t.backoff(attempt)
		t.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		time.Sleep(delay)

		t.mu.RLock()
		manual := t.manual
		t.mu.RUnlock()
		if manual {
			return
		}

		t.setState(StateConnecting)
		if err := t.dial(context.Background()); err != nil {
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		t.mu.Lock()
		t.reconnects = 0
		t.mu.Unlock()
		return
	}
}

// backoff doubles the base delay per attempt, capped at MaxReconnectDelay.
func (t *Transport) backoff(attempt int) time.Duration {
	delay := t.cfg.ReconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.cfg.MaxReconnectDelay {
			return t.cfg.MaxReconnectDelay
		}
	}
	if delay > t.cfg.MaxReconnectDelay {
		delay = t.cfg.MaxReconnectDelay
	}
	return delay
}
