package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/ashureev/shsh-relay/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialChat(t *testing.T, router http.Handler) (*websocket.Conn, context.Context) {
	t.Helper()

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	header := http.Header{}
	header.Set(identity.UserHeaderName, "octocat")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat", &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn, ctx
}

func readUntilTerminal(t *testing.T, ctx context.Context, conn *websocket.Conn) []wsEvent {
	t.Helper()

	var events []wsEvent
	for {
		var ev wsEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v (events so far %+v)", err, events)
		}
		events = append(events, ev)
		if ev.Type == "done" || ev.Type == "errors" {
			return events
		}
	}
}

func TestWebSocketChatTurns(t *testing.T) {
	t.Parallel()

	relay := &scriptedRelay{script: helloScript}
	conn, ctx := dialChat(t, newTestRouter(relay, &fakeSessions{}, nil, Options{}))

	for turn := 0; turn < 2; turn++ {
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "chat", "message": "hi"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		events := readUntilTerminal(t, ctx, conn)

		var types []string
		var text strings.Builder
		for _, ev := range events {
			types = append(types, ev.Type)
			text.WriteString(ev.Content)
			if ev.RequestID == "" || ev.RequestID != events[0].RequestID {
				t.Errorf("event %+v has inconsistent request id", ev)
			}
		}
		if got := strings.Join(types, ","); got != "ack,text,text,done" {
			t.Errorf("turn %d events = %s", turn, got)
		}
		if text.String() != "Hello" {
			t.Errorf("turn %d text = %q", turn, text.String())
		}
	}

	if relay.count() != 2 {
		t.Fatalf("relay called %d times, want 2", relay.count())
	}
	if req := relay.last(); req.Identity != "octocat" || req.Channel != "chat_ws" {
		t.Errorf("unexpected relay request %+v", req)
	}
}

func TestWebSocketControlFrames(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	conn, ctx := dialChat(t, newTestRouter(&scriptedRelay{}, sessions, nil, Options{}))

	tests := []struct {
		send     any
		wantType string
		wantCode string
	}{
		{map[string]string{"type": "ping"}, "pong", ""},
		{map[string]string{"type": "reset"}, "reset", ""},
		{map[string]string{"type": "bogus"}, "errors", bridge.CodeInvalidRequest},
	}
	for _, tt := range tests {
		if err := wsjson.Write(ctx, conn, tt.send); err != nil {
			t.Fatalf("write: %v", err)
		}
		var ev wsEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type != tt.wantType {
			t.Errorf("reply type = %q, want %q", ev.Type, tt.wantType)
		}
		if tt.wantCode != "" && (len(ev.Errors) != 1 || ev.Errors[0].Code != tt.wantCode) {
			t.Errorf("errors = %+v, want code %s", ev.Errors, tt.wantCode)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "errors" {
		t.Errorf("reply to invalid frame = %q, want errors", ev.Type)
	}

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.forgotten) != 1 || sessions.forgotten[0] != "octocat" {
		t.Errorf("forgotten = %v", sessions.forgotten)
	}
}

func TestWebSocketRateLimited(t *testing.T) {
	t.Parallel()

	relay := &scriptedRelay{script: helloScript}
	conn, ctx := dialChat(t, newTestRouter(relay, &fakeSessions{}, NewRateLimiter(1, time.Hour), Options{}))

	_ = wsjson.Write(ctx, conn, map[string]string{"message": "one"})
	readUntilTerminal(t, ctx, conn)

	_ = wsjson.Write(ctx, conn, map[string]string{"message": "two"})
	events := readUntilTerminal(t, ctx, conn)
	if len(events) != 1 || events[0].Errors[0].Code != codeRateLimited {
		t.Errorf("events = %+v, want single rate_limited error", events)
	}
	if relay.count() != 1 {
		t.Errorf("relay called %d times, want 1", relay.count())
	}
}

// blockingRelay acks and then holds the turn open until its context ends.
type blockingRelay struct {
	started  chan struct{}
	canceled chan struct{}
}

func (b *blockingRelay) Handle(ctx context.Context, _ bridge.Request, sink bridge.Sink) bridge.Result {
	_ = sink.Ack()
	close(b.started)
	<-ctx.Done()
	close(b.canceled)
	return bridge.Result{Outcome: bridge.OutcomeDone, Partial: true}
}

func TestWebSocketPingAndCloseDuringTurn(t *testing.T) {
	t.Parallel()

	relay := &blockingRelay{started: make(chan struct{}), canceled: make(chan struct{})}
	conn, ctx := dialChat(t, newTestRouter(relay, &fakeSessions{}, nil, Options{}))

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "chat", "message": "hi"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	var ev wsEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil || ev.Type != "ack" {
		t.Fatalf("first event = %+v (err %v), want ack", ev, err)
	}
	<-relay.started

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	ev = wsEvent{}
	if err := wsjson.Read(ctx, conn, &ev); err != nil || ev.Type != "pong" {
		t.Fatalf("reply during turn = %+v (err %v), want pong", ev, err)
	}

	if err := conn.CloseNow(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-relay.canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("running turn was not canceled after the client closed")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"*", "https://app.example.com", "*.example.org"})
	want := []string{"*", "app.example.com", "*.example.org"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("originPatterns = %v, want %v", got, want)
	}
}
