package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server running handler per connection.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       100,
	}
}

// drain reads until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// dialTest connects a client to a fresh mock server and closes it on cleanup.
func dialTest(t *testing.T, cfg ClientConfig, handler func(*websocket.Conn)) Client {
	t.Helper()
	server := mockWSServer(t, handler)
	cfg.URL = wsURL(server)

	c := NewClient(cfg, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ConnectAndClose(t *testing.T) {
	c := dialTest(t, testClientConfig(""), drain)

	if !c.IsConnected() {
		t.Error("IsConnected = false after Connect, want true")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected = true after Close, want false")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestClient_Send(t *testing.T) {
	got := make(chan []byte, 1)
	c := dialTest(t, testClientConfig(""), func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- msg
		drain(conn)
	})

	frame := []byte(`{"type":"nudge","data":{"taskId":"t1"}}`)
	if err := c.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-got:
		if string(msg) != string(frame) {
			t.Errorf("server received %q, want %q", msg, frame)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for server to receive frame")
	}
}

func TestClient_MessagesInOrder(t *testing.T) {
	frames := []string{
		`{"type":"task_updated","data":{"id":"1"}}`,
		`{"type":"task_created","data":{"title":"Buy milk"}}`,
		`{"type":"nudge_sent","data":{}}`,
	}

	c := dialTest(t, testClientConfig(""), func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drain(conn)
	})

	for i, want := range frames {
		select {
		case msg := <-c.Messages():
			if string(msg.Data) != want {
				t.Errorf("frame %d = %q, want %q", i, msg.Data, want)
			}
			if msg.ReceivedAt.IsZero() {
				t.Errorf("frame %d has zero ReceivedAt", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(ClientConfig) ClientConfig
		handler func(*websocket.Conn)
		want    error // nil means any non-nil error
	}{
		{
			name: "server close",
			cfg:  func(c ClientConfig) ClientConfig { return c },
			handler: func(conn *websocket.Conn) {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			},
		},
		{
			name: "silent server goes stale",
			cfg: func(c ClientConfig) ClientConfig {
				c.PingTimeout = 50 * time.Millisecond
				return c
			},
			handler: func(conn *websocket.Conn) {
				// Never read, so pings are never answered.
				time.Sleep(500 * time.Millisecond)
			},
			want: ErrStaleConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialTest(t, tt.cfg(testClientConfig("")), tt.handler)

			select {
			case err := <-c.Errors():
				if err == nil {
					t.Fatal("got nil error")
				}
				if tt.want != nil && !errors.Is(err, tt.want) {
					t.Errorf("error = %v, want %v", err, tt.want)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for error")
			}

			if c.IsConnected() {
				t.Error("IsConnected = true after error, want false")
			}
		})
	}
}

func TestClient_ServerPingKeepsConnection(t *testing.T) {
	cfg := testClientConfig("")
	cfg.PingTimeout = 150 * time.Millisecond

	c := dialTest(t, cfg, func(conn *websocket.Conn) {
		for i := 0; i < 8; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		drain(conn)
	})

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-c.Messages():
		case err := <-c.Errors():
			t.Fatalf("unexpected error while server is active: %v", err)
		case <-deadline:
			if !c.IsConnected() {
				t.Error("IsConnected = false, want true")
			}
			return
		}
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(testClientConfig("ws://localhost:12345/ws"), nil)
	if err := c.Send([]byte("test")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}

	c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name  string
		cfg   ManagerConfig
		token string
		want  string
	}{
		{
			name:  "development",
			cfg:   ManagerConfig{Host: "localhost:3000"},
			token: "abc",
			want:  "ws://localhost:3000/ws?token=abc",
		},
		{
			name:  "production",
			cfg:   ManagerConfig{Host: "api.tandem.app", Secure: true, Path: "/ws"},
			token: "abc",
			want:  "wss://api.tandem.app/ws?token=abc",
		},
		{
			name:  "token is escaped",
			cfg:   ManagerConfig{Host: "localhost:3000", Path: "ws"},
			token: "a+b/c=",
			want:  "ws://localhost:3000/ws?token=a%2Bb%2Fc%3D",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildURL(tt.cfg, tt.token); got != tt.want {
				t.Errorf("BuildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("wss://api.tandem.app/ws?token=secret"); got != "api.tandem.app" {
		t.Errorf("hostOf() = %q, want api.tandem.app", got)
	}
}

func TestDefaultConfigs(t *testing.T) {
	clientCfg := DefaultClientConfig()
	if clientCfg.PingTimeout != 60*time.Second {
		t.Errorf("PingTimeout = %v, want 60s", clientCfg.PingTimeout)
	}
	if clientCfg.BufferSize != 256 {
		t.Errorf("BufferSize = %d, want 256", clientCfg.BufferSize)
	}

	mgrCfg := DefaultManagerConfig()
	if mgrCfg.ReconnectBaseDelay != time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 1s", mgrCfg.ReconnectBaseDelay)
	}
	if mgrCfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", mgrCfg.MaxReconnectAttempts)
	}
	if mgrCfg.Path != "/ws" {
		t.Errorf("Path = %q, want /ws", mgrCfg.Path)
	}
}
