package control

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lanconf/hub/internal/chat"
	"github.com/lanconf/hub/internal/registry"
	"github.com/lanconf/hub/internal/transfer"
)

func startTestServer(t *testing.T) (*Server, net.Addr, func()) {
	t.Helper()
	reg := registry.New()
	chatEngine := chat.New()
	broker, err := transfer.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	srv := New("127.0.0.1:0", reg, chatEngine, broker, nil, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()
	return srv, ln.Addr(), func() { ln.Close() }
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connect(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	body = append(body, '\n')
	if _, err := c.conn.Write(body); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		c.t.Fatalf("unmarshal %s: %v", line, err)
	}
	return m
}

func (c *testClient) login(name string) {
	c.send(map[string]any{"type": "login", "username": name})
	msg := c.recv()
	if msg["type"] != "login_success" {
		c.t.Fatalf("expected login_success, got %v", msg)
	}
	c.recv() // participant_list
	c.recv() // history
}

func (c *testClient) close() { c.conn.Close() }

// TestLoginJoinOrder covers scenario S1: A joins and gets uid 1 with a
// one-entry participant list, then B joins and A sees B's user_joined.
func TestLoginJoinOrder(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.send(map[string]any{"type": "login", "username": "alice"})
	loginMsg := a.recv()
	if loginMsg["uid"] != float64(1) {
		t.Fatalf("expected uid 1, got %v", loginMsg)
	}
	plist := a.recv()
	participants := plist["participants"].([]any)
	if len(participants) != 1 {
		t.Fatalf("expected 1 participant, got %v", participants)
	}
	a.recv() // history

	b := connect(t, addr)
	defer b.close()
	b.login("bob")

	joined := a.recv()
	if joined["type"] != "user_joined" || joined["username"] != "bob" {
		t.Fatalf("expected user_joined for bob, got %v", joined)
	}
}

// TestUnicastDeliveryScenario covers scenario S2: the sender receives only
// unicast_sent, the target receives only unicast, and bystanders receive
// nothing.
func TestUnicastDeliveryScenario(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.login("a")

	b := connect(t, addr)
	defer b.close()
	b.login("b")
	a.recv() // user_joined for b

	c := connect(t, addr)
	defer c.close()
	c.login("c")
	a.recv() // user_joined for c
	b.recv() // user_joined for c

	a.send(map[string]any{"type": "unicast", "target_uid": 2, "text": "hi"})

	sent := a.recv()
	if sent["type"] != "unicast_sent" || sent["target_uid"] != float64(2) {
		t.Fatalf("expected unicast_sent target_uid=2, got %v", sent)
	}

	got := b.recv()
	if got["type"] != "unicast" || got["from_uid"] != float64(1) || got["to_uid"] != float64(2) || got["text"] != "hi" {
		t.Fatalf("expected unicast from 1 to 2 text=hi, got %v", got)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 256)
	if _, err := c.conn.Read(buf); err == nil {
		t.Fatalf("bystander c unexpectedly received a message")
	}
}

// TestHistoryReplayScenario covers scenario S3: messages sent before a
// participant joins are replayed to it via history.
func TestHistoryReplayScenario(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.login("a")

	a.send(map[string]any{"type": "broadcast", "text": "hello room"})
	a.recv() // echo of its own broadcast

	b := connect(t, addr)
	defer b.close()
	b.send(map[string]any{"type": "login", "username": "b"})
	b.recv() // login_success
	b.recv() // participant_list
	hist := b.recv()
	if hist["type"] != "history" {
		t.Fatalf("expected history, got %v", hist)
	}
	msgs := hist["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 history entry, got %v", msgs)
	}
	entry := msgs[0].(map[string]any)
	if entry["text"] != "hello room" {
		t.Fatalf("expected replayed text 'hello room', got %v", entry)
	}

	a.recv() // a sees user_joined for b
}

// TestFileOfferRejectsOversize covers scenario S5: an offer above the
// 100MiB cap is refused with an error mentioning size, and no port is
// granted.
func TestFileOfferRejectsOversize(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.login("a")

	a.send(map[string]any{"type": "file_offer", "fid": "f1", "filename": "big.bin", "size": 200 * 1024 * 1024})
	msg := a.recv()
	if msg["type"] != "error" {
		t.Fatalf("expected error, got %v", msg)
	}
	reason, _ := msg["reason"].(string)
	if !strings.Contains(reason, "size") {
		t.Fatalf("expected reason mentioning size, got %q", reason)
	}
}

// TestLogoutClearsRegistryAndNotifiesOthers covers the disconnect cleanup
// path: unregister, chat.Leave, and a user_left broadcast to survivors.
func TestLogoutClearsRegistryAndNotifiesOthers(t *testing.T) {
	srv, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	a.login("a")

	b := connect(t, addr)
	defer b.close()
	b.login("b")
	a.recv() // user_joined for b

	a.send(map[string]any{"type": "logout"})
	a.close()

	left := b.recv()
	if left["type"] != "user_left" || left["uid"] != float64(1) {
		t.Fatalf("expected user_left uid=1, got %v", left)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := srv.registry.Lookup(1); ok {
		t.Fatalf("expected uid 1 to be unregistered after logout")
	}
}

// TestMalformedMessageDoesNotCloseSession ensures an unrecognized type
// while active gets an error reply without tearing down the connection.
func TestMalformedMessageDoesNotCloseSession(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.login("a")

	a.send(map[string]any{"type": "not_a_real_type"})
	msg := a.recv()
	if msg["type"] != "error" {
		t.Fatalf("expected error for unknown type, got %v", msg)
	}

	a.send(map[string]any{"type": "heartbeat"})
	ack := a.recv()
	if ack["type"] != "heartbeat_ack" {
		t.Fatalf("expected session to remain usable after malformed message, got %v", ack)
	}
}

// TestNonLoginMessageWhileAwaitingLoginCloses ensures the server closes the
// connection if the first message isn't a login.
func TestNonLoginMessageWhileAwaitingLoginCloses(t *testing.T) {
	_, addr, stop := startTestServer(t)
	defer stop()

	a := connect(t, addr)
	defer a.close()
	a.send(map[string]any{"type": "heartbeat"})
	a.recv() // error{"expected login"}

	_ = a.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := a.conn.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed after non-login message")
	}
}
