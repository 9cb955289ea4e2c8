package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/limen/core/access"
)

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	handler := NewHandler(&HandlerBuilder{
		Hub: h,
		Verifier: access.StaticVerifier{
			"good-token": access.Identity{Subject: "phone-user"},
		},
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	var frame Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, frame Frame) {
	t.Helper()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// roundTrip waits for a pong, making sure the hub has processed every
// frame written before the ping.
func roundTrip(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventPing})
	frame := readFrame(t, ctx, conn)
	if frame.Event != EventPong {
		t.Fatalf("expected a pong, got %#v", frame)
	}
}

func TestWebSocket_AuthenticatedSession(t *testing.T) {
	h := NewHub(nil)
	_, wsURL := newTestServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := dial(t, ctx, wsURL+"?token=good-token")
	welcome := readFrame(t, ctx, conn)
	assert.Equal(t, FrameSystem, welcome.Type)
	assert.Equal(t, EventWelcome, welcome.Event)
	payload := welcome.Payload.(map[string]any)
	assert.Equal(t, true, payload["authenticated"])
	assert.NotEmpty(t, payload["sessionId"])

	roundTrip(t, ctx, conn)
	assert.Equal(t, 1, h.Count())

	// closing the connection tears the session down
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	deadline := time.Now().Add(3 * time.Second)
	for h.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not cleaned up after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocket_AnonymousSession(t *testing.T) {
	h := NewHub(nil)
	_, wsURL := newTestServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// an invalid token still connects, just anonymously
	conn := dial(t, ctx, wsURL+"?token=wrong")
	welcome := readFrame(t, ctx, conn)
	payload := welcome.Payload.(map[string]any)
	assert.Equal(t, false, payload["authenticated"])

	writeFrame(t, ctx, conn, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	frame := readFrame(t, ctx, conn)
	assert.Equal(t, EventError, frame.Event)
	assert.Contains(t, frame.Payload.(map[string]any)["message"], "authenticated")

	// the error frame did not close the connection
	roundTrip(t, ctx, conn)
}

func TestWebSocket_BroadcastBetweenConnections(t *testing.T) {
	h := NewHub(nil)
	_, wsURL := newTestServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sender := dial(t, ctx, wsURL+"?token=good-token")
	readFrame(t, ctx, sender)
	receiver := dial(t, ctx, wsURL)
	readFrame(t, ctx, receiver)

	for _, conn := range []*websocket.Conn{sender, receiver} {
		writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
		writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "broadcast:room"})
		roundTrip(t, ctx, conn)
	}

	writeFrame(t, ctx, sender, Frame{
		Type:    FrameBroadcast,
		Event:   "message",
		Topic:   "broadcast:room",
		Payload: map[string]any{"text": "hi"},
	})

	frame := readFrame(t, ctx, receiver)
	assert.Equal(t, FrameBroadcast, frame.Type)
	assert.Equal(t, "message", frame.Event)
	assert.Equal(t, "broadcast:room", frame.Topic)
	assert.Equal(t, map[string]any{"text": "hi"}, frame.Payload)

	// the sender hears nothing back, the next frame it reads is its own pong
	roundTrip(t, ctx, sender)
}

func TestWebSocket_PresenceSyncOnSubscribe(t *testing.T) {
	h := NewHub(nil)
	_, wsURL := newTestServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := dial(t, ctx, wsURL+"?token=good-token")
	readFrame(t, ctx, conn)

	writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	sync := readFrame(t, ctx, conn)
	assert.Equal(t, FramePresence, sync.Type)
	assert.Equal(t, EventSync, sync.Event)
	assert.Equal(t, "presence:room", sync.Topic)

	writeFrame(t, ctx, conn, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room", Payload: map[string]any{"device": "phone"}})
	diff := readFrame(t, ctx, conn)
	assert.Equal(t, EventDiff, diff.Event)
	joins := diff.Payload.(map[string]any)["joins"].(map[string]any)
	records := joins["phone-user"].([]any)
	if assert.Len(t, records, 1) {
		record := records[0].(map[string]any)
		assert.Equal(t, "phone-user", record["subject"])
		assert.NotEmpty(t, record["presenceRef"])
		assert.Equal(t, map[string]any{"device": "phone"}, record["attributes"])
	}
}

func TestWebSocket_ConnectQueryBecomesAttributes(t *testing.T) {
	h := NewHub(nil)
	_, wsURL := newTestServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn := dial(t, ctx, wsURL+"?token=good-token&device=tablet")
	readFrame(t, ctx, conn)

	writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	writeFrame(t, ctx, conn, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	readFrame(t, ctx, conn)

	// a track without a payload publishes the connect attributes, the
	// token never leaks into them
	writeFrame(t, ctx, conn, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	diff := readFrame(t, ctx, conn)
	assert.Equal(t, EventDiff, diff.Event)
	joins := diff.Payload.(map[string]any)["joins"].(map[string]any)
	records := joins["phone-user"].([]any)
	if assert.Len(t, records, 1) {
		record := records[0].(map[string]any)
		assert.Equal(t, map[string]any{"device": "tablet"}, record["attributes"])
	}
}
