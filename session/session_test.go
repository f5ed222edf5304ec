package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"aria/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades every request and hands the connection to fn.
func echoServer(t *testing.T, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads and discards frames until the connection dies.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		MaxReconnects:     3,
		HeartbeatInterval: time.Minute,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectTransitions(t *testing.T) {
	srv := echoServer(t, drain)
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())

	var mu sync.Mutex
	var states []State
	tr.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	if got := tr.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Fatalf("transitions = %v, want [connecting connected ...]", states)
	}
	// Connected must always be entered from connecting.
	for i, s := range states {
		if s == StateConnected && states[i-1] != StateConnecting {
			t.Fatalf("connected entered from %v", states[i-1])
		}
	}
}

func TestConnectFailure(t *testing.T) {
	tr := NewTransport(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop())
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if got := tr.State(); got != StateDisconnected {
		t.Fatalf("state after failed connect = %v, want disconnected", got)
	}
}

func TestTokenQueryParam(t *testing.T) {
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotToken <- r.URL.Query().Get("token"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		drain(conn)
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.Token = "secret-token"
	tr := NewTransport(cfg, zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	select {
	case tok := <-gotToken:
		if tok != "secret-token" {
			t.Fatalf("token = %q", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("server saw no request")
	}
}

func TestSendStampsIdentity(t *testing.T) {
	received := make(chan wire.Message, 8)
	srv := echoServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if m, err := wire.Decode(data); err == nil {
				received <- m
			}
		}
	})
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())
	tr.UpdateSession("sess-42", "user-7")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	if !tr.Send(wire.NewChat("", "", "hi")) {
		t.Fatal("send returned false while connected")
	}

	select {
	case m := <-received:
		if m.SessionID != "sess-42" || m.UserID != "user-7" {
			t.Fatalf("identity = %q/%q", m.SessionID, m.UserID)
		}
		if m.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("server received nothing")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := NewTransport(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop())
	if tr.Send(wire.NewChat("", "", "hi")) {
		t.Fatal("send should fail while disconnected")
	}
	if tr.SendVoiceFrame([]byte{1, 2, 3}) {
		t.Fatal("voice frame should be dropped while disconnected")
	}
}

func TestDispatchOrderAndCatchAll(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		for _, text := range []string{"one", "two", "three"} {
			data, _ := wire.Encode(wire.NewChat("s", "u", text))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		drain(conn)
	})
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())

	var mu sync.Mutex
	var order []string
	tr.On(wire.TypeChat, func(m wire.Message) {
		mu.Lock()
		order = append(order, "typed:"+m.Text())
		mu.Unlock()
	})
	tr.OnAny(func(m wire.Message) {
		mu.Lock()
		order = append(order, "any:"+m.Text())
		mu.Unlock()
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"typed:one", "any:one", "typed:two", "any:two", "typed:three", "any:three"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestPingGetsPongReply(t *testing.T) {
	pong := make(chan wire.Message, 1)
	srv := echoServer(t, func(conn *websocket.Conn) {
		data, _ := wire.Encode(wire.NewPing("s", "u"))
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if m, err := wire.Decode(raw); err == nil && m.Type == wire.TypePong {
				select {
				case pong <- m:
				default:
				}
			}
		}
	})
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	select {
	case <-pong:
	case <-time.After(time.Second):
		t.Fatal("no pong reply to server ping")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := echoServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()
		if n == 1 {
			conn.Close() // drop the first connection immediately
			return
		}
		drain(conn)
	})
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())

	var stMu sync.Mutex
	var states []State
	tr.OnState(func(s State) {
		stMu.Lock()
		states = append(states, s)
		stMu.Unlock()
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2 && tr.State() == StateConnected
	})

	stMu.Lock()
	defer stMu.Unlock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatalf("transitions %v never entered reconnecting", states)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnects = 2
	tr := NewTransport(cfg, zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.Close() // every reconnect attempt now fails

	waitFor(t, 3*time.Second, func() bool {
		return tr.State() == StateErrored
	})
}

func TestHeartbeatDeclaresDeadLink(t *testing.T) {
	srv := echoServer(t, drain) // reads everything, never answers pings
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.HeartbeatInterval = 20 * time.Millisecond
	tr := NewTransport(cfg, zerolog.Nop())

	var mu sync.Mutex
	sawReconnecting := false
	tr.OnState(func(s State) {
		if s == StateReconnecting {
			mu.Lock()
			sawReconnecting = true
			mu.Unlock()
		}
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawReconnecting
	})
}

func TestDisconnectStopsReconnection(t *testing.T) {
	srv := echoServer(t, drain)
	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tr.Disconnect()
	srv.Close()

	time.Sleep(100 * time.Millisecond)
	if got := tr.State(); got != StateDisconnected {
		t.Fatalf("state after disconnect = %v, want disconnected", got)
	}
}

func TestConcurrentSenders(t *testing.T) {
	// Answer pings so the fast heartbeat keeps racing the senders
	// without the link ever being declared dead.
	srv := echoServer(t, func(conn *websocket.Conn) {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if m, err := wire.Decode(raw); err == nil && m.Type == wire.TypePing {
				data, _ := wire.Encode(wire.NewPong("", ""))
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	})
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.HeartbeatInterval = 5 * time.Millisecond // pings race the senders
	tr := NewTransport(cfg, zerolog.Nop())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Send(wire.NewChat("", "", "load"))
				tr.SendVoiceFrame([]byte{1, 2, 3, 4})
			}
		}()
	}
	wg.Wait()

	if got := tr.State(); got != StateConnected {
		t.Fatalf("state after concurrent sends = %v, want connected", got)
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := echoServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		mu.Unlock()
		drain(conn)
	})
	defer srv.Close()

	tr := NewTransport(testConfig(wsURL(srv)), zerolog.Nop())
	defer tr.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Connect(context.Background())
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool { return tr.State() == StateConnected })
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if conns != 1 {
		t.Fatalf("server saw %d connections, want 1", conns)
	}
}

func TestErrorObserver(t *testing.T) {
	errs := make(chan error, 8)
	tr := NewTransport(testConfig("ws://127.0.0.1:1/ws"), zerolog.Nop())
	tr.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("observer received nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("dial failure never reached the observer")
	}
	if tr.LastError() == nil {
		t.Fatal("LastError not recorded")
	}
}

func TestErrorObserverSeesDroppedLink(t *testing.T) {
	release := make(chan struct{})
	srv := echoServer(t, func(conn *websocket.Conn) {
		<-release
		conn.Close()
	})
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnects = 1
	tr := NewTransport(cfg, zerolog.Nop())

	errs := make(chan error, 8)
	tr.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	close(release) // server drops the link
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("dropped link never reached the observer")
	}
}

func TestBackoffCapped(t *testing.T) {
	tr := NewTransport(testConfig("ws://x/ws"), zerolog.Nop())
	if d := tr.backoff(1); d != 10*time.Millisecond {
		t.Errorf("attempt 1 = %v", d)
	}
	if d := tr.backoff(2); d != 20*time.Millisecond {
		t.Errorf("attempt 2 = %v", d)
	}
	if d := tr.backoff(10); d != 50*time.Millisecond {
		t.Errorf("attempt 10 = %v, want cap", d)
	}
}
