package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ayoubachak/agentbridge/internal/serverstate"
)

func dialWS(t *testing.T, ctx context.Context, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(httpURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, v map[string]any) {
	t.Helper()
	b, _ := json.Marshal(v)
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// TestEndToEndScenario drives the full exchange: a client registers a
// function, an agent discovers it, calls it, and receives the result.
func TestEndToEndScenario(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := dialWS(t, ctx, ts.URL)
	agent := dialWS(t, ctx, ts.URL)

	writeFrame(t, ctx, client, map[string]any{
		"type": "REGISTER_CAPABILITIES", "id": "m0", "timestamp": "2024-01-01T00:00:00Z",
		"functions": []map[string]any{{"name": "greet"}},
	})

	// The two sockets are served concurrently; poll until the registration
	// is visible to the agent.
	var clientID string
	for i := 0; i < 100 && clientID == ""; i++ {
		writeFrame(t, ctx, agent, map[string]any{
			"type": "QUERY_CAPABILITIES", "id": "q", "timestamp": "2024-01-01T00:00:00Z", "sessionId": "s1",
		})
		reply := readFrame(t, ctx, agent)
		if reply["type"] != "CAPABILITIES_RESULT" {
			t.Fatalf("unexpected reply type %v", reply["type"])
		}
		if reply["sessionId"] != "s1" {
			t.Fatalf("sessionId not echoed: %v", reply)
		}
		if functions, ok := reply["functions"].([]any); ok && len(functions) > 0 {
			f := functions[0].(map[string]any)
			if f["name"] != "greet" {
				t.Fatalf("unexpected function %v", f)
			}
			clientID, _ = f["clientId"].(string)
		} else {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if clientID == "" {
		t.Fatalf("capability never became visible")
	}

	writeFrame(t, ctx, agent, map[string]any{
		"type": "CALL_FUNCTION", "id": "m1", "timestamp": "2024-01-01T00:00:00Z",
		"clientId": clientID, "payload": map[string]any{"name": "greet"},
	})
	cmd := readFrame(t, ctx, client)
	if cmd["type"] != "CALL_FUNCTION" || cmd["id"] != "m1" {
		t.Fatalf("forwarded command = %v", cmd)
	}
	agentID, _ := cmd["agentId"].(string)
	if agentID == "" {
		t.Fatalf("agentId not attached: %v", cmd)
	}

	writeFrame(t, ctx, client, map[string]any{
		"type": "FUNCTION_RESULT", "id": "m1", "timestamp": "2024-01-01T00:00:00Z",
		"agentId": agentID, "result": "hello",
	})
	res := readFrame(t, ctx, agent)
	if res["type"] != "FUNCTION_RESULT" || res["result"] != "hello" {
		t.Fatalf("forwarded result = %v", res)
	}
	if res["clientId"] != clientID {
		t.Fatalf("clientId not attached: %v", res)
	}
}

func TestCommandToUnknownClientGetsError(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent := dialWS(t, ctx, ts.URL)
	writeFrame(t, ctx, agent, map[string]any{
		"type": "CALL_FUNCTION", "id": "m1", "timestamp": "2024-01-01T00:00:00Z", "clientId": "nope",
	})
	reply := readFrame(t, ctx, agent)
	if reply["type"] != "ERROR" || reply["code"] != "client_not_found" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestLivenessEvictionClosesSocket(t *testing.T) {
	ts, reg := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialWS(t, ctx, ts.URL)
	writeFrame(t, ctx, client, map[string]any{
		"type": "REGISTER_CAPABILITIES", "id": "m0", "timestamp": "2024-01-01T00:00:00Z",
		"functions": []map[string]any{{"name": "f"}},
	})
	for i := 0; i < 100 && reg.ClientCount() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.ClientCount() != 1 {
		t.Fatalf("registration never landed")
	}

	time.Sleep(30 * time.Millisecond)
	if evicted := reg.PruneExpired(10 * time.Millisecond); len(evicted) != 1 {
		t.Fatalf("evicted = %v", evicted)
	}
	if reg.ClientCount() != 0 {
		t.Fatalf("evicted connection still registered")
	}
	if _, _, err := client.Read(ctx); err == nil {
		t.Fatalf("expected read to fail after eviction")
	}
}

func TestSessionDisconnectClosesSocket(t *testing.T) {
	ts, reg := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialWS(t, ctx, ts.URL)
	writeFrame(t, ctx, client, map[string]any{
		"type": "REGISTER_CAPABILITIES", "id": "m0", "timestamp": "2024-01-01T00:00:00Z",
		"functions": []map[string]any{{"name": "f"}},
	})
	writeFrame(t, ctx, client, map[string]any{
		"type": "SESSION", "id": "m1", "timestamp": "2024-01-01T00:00:00Z", "action": "disconnect",
	})
	if _, _, err := client.Read(ctx); err == nil {
		t.Fatalf("expected close after disconnect")
	}
	for i := 0; i < 100 && reg.ClientCount() != 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.ClientCount() != 0 {
		t.Fatalf("disconnected connection still registered")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := dialWS(t, ctx, ts.URL)
	if err := client.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The session must survive the bad frame.
	writeFrame(t, ctx, client, map[string]any{
		"type": "QUERY_CAPABILITIES", "id": "q1", "timestamp": "2024-01-01T00:00:00Z",
	})
	reply := readFrame(t, ctx, client)
	if reply["type"] != "CAPABILITIES_RESULT" {
		t.Fatalf("reply = %v", reply)
	}
}

func TestDrainRejectsNewConnections(t *testing.T) {
	prev := serverstate.NewMemoryStore()
	serverstate.UseStore(prev)
	t.Cleanup(func() { serverstate.UseStore(serverstate.NewMemoryStore()) })

	ts, _ := newTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverstate.StartDrain()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
}
