package agentchannel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	cmd, err := newCommand("req-1", CmdPing, map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := encode(cmd)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != typeCommand || got.ID != "req-1" || got.Command != CmdPing {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	var payload map[string]string
	if err := got.decodeInto(&payload); err != nil {
		t.Fatal(err)
	}
	if payload["foo"] != "bar" {
		t.Fatalf("payload mismatch: %+v", payload)
	}
}

func TestNewResponseCarriesError(t *testing.T) {
	resp := newResponse("id-1", nil, errTest("boom"))
	if resp.asError() == nil || resp.asError().Error() != "boom" {
		t.Fatalf("expected error 'boom', got %v", resp.asError())
	}
}

func TestNewResponseCarriesPayload(t *testing.T) {
	resp := newResponse("id-1", map[string]int{"n": 5}, nil)
	if resp.asError() != nil {
		t.Fatal("unexpected error")
	}
	var out map[string]int
	if err := resp.decodeInto(&out); err != nil {
		t.Fatal(err)
	}
	if out["n"] != 5 {
		t.Fatalf("expected 5, got %v", out)
	}
}

func TestHashTokenDeterministicAndDistinct(t *testing.T) {
	if hashToken("a") != hashToken("a") {
		t.Fatal("hashToken should be deterministic")
	}
	if hashToken("a") == hashToken("b") {
		t.Fatal("distinct inputs should hash distinctly")
	}
}

func TestGenerateTokenIsRandomAndLongEnough(t *testing.T) {
	a, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two generated tokens collided")
	}
	if len(a) < 32 {
		t.Fatalf("token too short: %q", a)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

// fakeAgentServer drives the server (conn) side of a real websocket pair
// against a scripted client, standing in for both the Hub's upgrade step
// and a remote dockmon-agent process.
func fakeAgentServer(t *testing.T, handleClient func(*websocket.Conn)) (*conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		c := newConn("host-1", ws, testLogger(), nil)
		connCh <- c
		go c.run(context.Background())
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatal(err)
	}
	go handleClient(clientConn)

	c := <-connCh
	return c, func() {
		clientConn.Close()
		srv.Close()
	}
}

func TestConnSendReceivesAgentResponse(t *testing.T) {
	c, cleanup := fakeAgentServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := decode(data)
		if err != nil {
			return
		}
		resp := newResponse(env.ID, map[string]string{"status": "ok"}, nil)
		out, _ := encode(resp)
		ws.WriteMessage(websocket.TextMessage, out)
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env, err := c.send(ctx, CmdPing, nil)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := env.decodeInto(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestConnSendReturnsAgentError(t *testing.T) {
	c, cleanup := fakeAgentServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := decode(data)
		if err != nil {
			return
		}
		resp := newResponse(env.ID, nil, errTest("container not found"))
		out, _ := encode(resp)
		ws.WriteMessage(websocket.TextMessage, out)
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.send(ctx, CmdInspectContainer, map[string]string{"container_id": "abc"})
	if err == nil || !strings.Contains(err.Error(), "container not found") {
		t.Fatalf("expected agent error, got %v", err)
	}
}

func TestConnSendTimesOutWithoutResponse(t *testing.T) {
	c, cleanup := fakeAgentServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage() // consume the command, never respond
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.send(ctx, CmdPing, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestConnDeliverContainerEventReachesSubscriber(t *testing.T) {
	c, cleanup := fakeAgentServer(t, func(ws *websocket.Conn) {
		payload, _ := json.Marshal(map[string]any{
			"container_id":   "c1",
			"container_name": "web",
			"action":         "start",
			"timestamp":      time.Now().UTC(),
		})
		env := &Envelope{Type: typeEvent, Command: EventContainerEvent, Payload: payload}
		data, _ := encode(env)
		ws.WriteMessage(websocket.TextMessage, data)
	})
	defer cleanup()

	eventsCh, _ := c.subscribeEvents()
	select {
	case ev := <-eventsCh:
		if ev.Actor.ID != "c1" || string(ev.Action) != "start" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for container event")
	}
}

func TestConnIsClosedAfterTeardown(t *testing.T) {
	c, cleanup := fakeAgentServer(t, func(ws *websocket.Conn) {
		ws.Close()
	})
	defer cleanup()

	deadline := time.Now().Add(2 * time.Second)
	for !c.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("conn never observed closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
