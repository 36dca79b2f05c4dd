package relay

import (
	"errors"
	"net"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/conn"
	"relaychat/internal/testutil"
	"relaychat/internal/wire"
)

const testTimeout = 2 * time.Second

type testClient struct {
	t      *testing.T
	raw    net.Conn
	reader *conn.Reader
	writer *conn.Writer
}

func startRelay(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	server, err := Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go server.Serve()
	t.Cleanup(func() { server.Close() })
	return server
}

// dialAll connects n clients and waits until the relay registered them.
func dialAll(t *testing.T, server *Server, n int) []*testClient {
	t.Helper()
	want := server.Sessions() + n
	clients := make([]*testClient, n)
	for i := range clients {
		raw, err := net.Dial("tcp", server.Addr())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		reader, writer := conn.Split(raw)
		clients[i] = &testClient{t: t, raw: raw, reader: reader, writer: writer}
		t.Cleanup(func() { raw.Close() })
	}
	testutil.Eventually(t, testTimeout, func() bool { return server.Sessions() == want }, "waiting for %d sessions", want)
	return clients
}

func (c *testClient) send(env wire.Envelope) {
	c.t.Helper()
	if err := c.writer.WriteFramed(env); err != nil {
		c.t.Fatalf("WriteFramed: %v", err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if err := c.writer.WriteLine([]byte(line)); err != nil {
		c.t.Fatalf("WriteLine: %v", err)
	}
}

func (c *testClient) next() wire.Envelope {
	c.t.Helper()
	c.raw.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.reader.ReadLine()
	if err != nil {
		c.t.Fatalf("ReadLine: %v", err)
	}
	env, err := wire.Decode(line)
	if err != nil {
		c.t.Fatalf("Decode(%q): %v", line, err)
	}
	return env
}

// nextOf skips envelopes until one of kind arrives.
func (c *testClient) nextOf(kind wire.Kind) wire.Envelope {
	c.t.Helper()
	for {
		if env := c.next(); env.Kind() == kind {
			return env
		}
	}
}

// expectSilence fails if any line arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	c.raw.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadLine()
	if err == nil {
		c.t.Fatalf("unexpected line: %q", line)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func TestFanOutSkipsSender(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 4)
	sender, receivers := clients[0], clients[1:]

	sender.send(wire.NewChat("alice", "hello room", []byte{1, 2, 3}, nil))

	for i, receiver := range receivers {
		env := receiver.next()
		if env.Kind() != wire.KindChat || env.Chat.Body != "hello room" {
			t.Fatalf("receiver %d got %+v", i, env)
		}
		if string(env.Chat.Attachment) != "\x01\x02\x03" {
			t.Errorf("receiver %d attachment = %v", i, env.Chat.Attachment)
		}
	}
	for _, receiver := range receivers {
		receiver.expectSilence(100 * time.Millisecond)
	}
	sender.expectSilence(100 * time.Millisecond)
}

func TestRelayForwardsRawLineVerbatim(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	// Field order and spacing differ from what Encode would produce.
	line := `{"chat": {"timestamp":"10:00","body":"hi","author":"alice","id":"x","avatar_id":"y"}}` + "\n"
	clients[0].sendRaw(line)

	clients[1].raw.SetReadDeadline(time.Now().Add(testTimeout))
	got, err := clients[1].reader.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if string(got) != line {
		t.Errorf("relay re-encoded the line:\n got %q\nwant %q", got, line)
	}
}

func TestPresenceConvergence(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 3)
	alice, bob, observer := clients[0], clients[1], clients[2]

	alice.send(wire.NewJoin("alice"))
	bob.send(wire.NewJoin("bob"))

	both := map[string]string{"alice": wire.StatusOnline, "bob": wire.StatusOnline}
	for i, client := range clients {
		for {
			env := client.nextOf(wire.KindPresence)
			if reflect.DeepEqual(env.Presence.Snapshot, both) {
				break
			}
			if len(env.Presence.Snapshot) >= 2 {
				t.Fatalf("client %d got unexpected snapshot %v", i, env.Presence.Snapshot)
			}
		}
	}

	alice.send(wire.NewLeave("alice", alice.raw.LocalAddr().String()))

	for i, client := range []*testClient{bob, observer} {
		env := client.nextOf(wire.KindPresence)
		want := map[string]string{"bob": wire.StatusOnline}
		if !reflect.DeepEqual(env.Presence.Snapshot, want) {
			t.Errorf("client %d snapshot after leave = %v, want %v", i, env.Presence.Snapshot, want)
		}
	}
	if got := server.Presence(); !reflect.DeepEqual(got, map[string]string{"bob": wire.StatusOnline}) {
		t.Errorf("server presence = %v", got)
	}
}

func TestPresenceBeforeChatScenario(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)
	a, b := clients[0], clients[1]

	a.send(wire.NewJoin("alice"))
	a.send(wire.Envelope{Chat: &wire.Chat{Author: "alice", Body: "hi", Timestamp: "10:00"}})

	sawPresence := false
	for {
		env := b.next()
		switch env.Kind() {
		case wire.KindPresence:
			if _, ok := env.Presence.Snapshot["alice"]; ok {
				sawPresence = true
			}
		case wire.KindChat:
			if env.Chat.Body != "hi" {
				t.Fatalf("chat body = %q", env.Chat.Body)
			}
			if !sawPresence {
				t.Fatal("chat arrived before the presence snapshot naming alice")
			}
			return
		}
	}
}

func TestJoinProducesNotice(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	clients[0].send(wire.NewJoin("alice"))

	env := clients[1].nextOf(wire.KindNotice)
	if !strings.Contains(env.Notice.Text, "alice has joined") {
		t.Errorf("notice = %q", env.Notice.Text)
	}
	// The sender receives the snapshot and notice too, but not its own join.
	clients[0].nextOf(wire.KindNotice)
	clients[0].expectSilence(100 * time.Millisecond)
}

func TestMalformedLineIsolation(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	clients[0].sendRaw("this is not json\n")
	clients[0].sendRaw(`{"typing":{"author":"alice"}}` + "\n")
	clients[0].send(wire.NewChat("alice", "still here", nil, nil))

	env := clients[1].next()
	if env.Kind() != wire.KindChat || env.Chat.Body != "still here" {
		t.Fatalf("got %+v, want the well-formed chat", env)
	}
	if server.Sessions() != 2 {
		t.Errorf("sessions = %d, malformed line must not end the session", server.Sessions())
	}
}

func TestRelayDropsParticipantAuthoredPresence(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	clients[0].send(wire.NewPresence(map[string]string{"mallory": wire.StatusOnline}))
	clients[0].send(wire.NewNotice("fake notice"))
	clients[0].send(wire.NewChat("alice", "after spoof", nil, nil))

	env := clients[1].next()
	if env.Kind() != wire.KindChat {
		t.Fatalf("got %v, want chat; spoofed envelopes must be dropped", env.Kind())
	}
	if len(server.Presence()) != 0 {
		t.Errorf("presence mutated: %v", server.Presence())
	}
}

func TestDisconnectUnregistersButKeepsPresence(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	clients[0].send(wire.NewJoin("alice"))
	clients[1].nextOf(wire.KindPresence)
	clients[0].raw.Close()

	testutil.Eventually(t, testTimeout, func() bool { return server.Sessions() == 1 }, "waiting for unregister")
	if _, ok := server.Presence()["alice"]; !ok {
		t.Error("presence entry removed without a Leave")
	}
}

func TestPurgeOnDisconnect(t *testing.T) {
	server := startRelay(t, Options{PurgeOnDisconnect: true})
	clients := dialAll(t, server, 2)

	clients[0].send(wire.NewJoin("alice"))
	clients[1].send(wire.NewJoin("bob"))
	for {
		env := clients[1].nextOf(wire.KindPresence)
		if len(env.Presence.Snapshot) == 2 {
			break
		}
	}

	clients[0].raw.Close()

	env := clients[1].nextOf(wire.KindPresence)
	if !reflect.DeepEqual(env.Presence.Snapshot, map[string]string{"bob": wire.StatusOnline}) {
		t.Errorf("snapshot after purge = %v", env.Presence.Snapshot)
	}
	notice := clients[1].nextOf(wire.KindNotice)
	if !strings.Contains(notice.Notice.Text, "alice has left") {
		t.Errorf("notice = %q", notice.Notice.Text)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	server := startRelay(t, Options{})
	clients := dialAll(t, server, 2)

	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, client := range clients {
		client.raw.SetReadDeadline(time.Now().Add(testTimeout))
		if _, err := client.reader.ReadLine(); err == nil {
			t.Errorf("client %d still connected after Close", i)
		}
	}
	if _, err := net.DialTimeout("tcp", server.Addr(), 200*time.Millisecond); err == nil {
		t.Error("relay still accepting after Close")
	}
}

func TestWebSocketParticipantSharesRoom(t *testing.T) {
	server := startRelay(t, Options{})
	httpServer := httptest.NewServer(server.WebSocketHandler())
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	testutil.Eventually(t, testTimeout, func() bool { return server.Sessions() == 1 }, "waiting for websocket session")
	tcp := dialAll(t, server, 1)[0]

	tcp.send(wire.NewChat("alice", "from tcp", nil, nil))

	ws.SetReadDeadline(time.Now().Add(testTimeout))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("websocket ReadMessage: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", messageType)
	}
	env, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Chat == nil || env.Chat.Body != "from tcp" {
		t.Fatalf("websocket got %+v", env)
	}

	frame, err := wire.Encode(wire.NewChat("bob", "from browser", nil, nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame[:len(frame)-1]); err != nil {
		t.Fatalf("websocket WriteMessage: %v", err)
	}
	got := tcp.next()
	if got.Chat == nil || got.Chat.Body != "from browser" {
		t.Fatalf("tcp got %+v", got)
	}
}

func TestWebSocketMultiLineFrameReachesTCPAsOneLine(t *testing.T) {
	server := startRelay(t, Options{})
	httpServer := httptest.NewServer(server.WebSocketHandler())
	t.Cleanup(httpServer.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket Dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	testutil.Eventually(t, testTimeout, func() bool { return server.Sessions() == 1 }, "waiting for websocket session")
	tcp := dialAll(t, server, 1)[0]

	frame := "{\"chat\":\n  {\"author\": \"bob\",\n   \"body\": \"two\\nlines\"}\n}\n"
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("websocket WriteMessage: %v", err)
	}

	tcp.raw.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := tcp.reader.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if n := strings.Count(string(line), "\n"); n != 1 {
		t.Fatalf("line %q carries %d delimiters, want 1", line, n)
	}
	env, err := wire.Decode(line)
	if err != nil {
		t.Fatalf("Decode(%q): %v", line, err)
	}
	if env.Chat == nil || env.Chat.Author != "bob" || env.Chat.Body != "two\nlines" {
		t.Fatalf("tcp got %+v", env)
	}
	tcp.expectSilence(100 * time.Millisecond)
}

func TestFrameToLine(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "compact", frame: `{"join":{"author":"alice"}}`, want: `{"join":{"author":"alice"}}` + "\n"},
		{name: "trailing delimiter", frame: `{"join":{"author":"alice"}}` + "\n", want: `{"join":{"author":"alice"}}` + "\n"},
		{name: "pretty printed", frame: "{\n  \"join\": {\n    \"author\": \"alice\"\n  }\n}", want: `{"join":{"author":"alice"}}` + "\n"},
		{name: "invalid json", frame: "not json", want: "not json\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(frameToLine([]byte(tt.frame))); got != tt.want {
				t.Errorf("frameToLine(%q) = %q, want %q", tt.frame, got, tt.want)
			}
		})
	}
}
