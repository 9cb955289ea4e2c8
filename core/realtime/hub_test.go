package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/limen/core"
)

type fakeSender struct {
	mutex  sync.Mutex
	frames []Frame
	closed bool
}

func (s *fakeSender) Send(frame Frame) {
	s.mutex.Lock()
	s.frames = append(s.frames, frame)
	s.mutex.Unlock()
}

func (s *fakeSender) Close() {
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
}

// take drains and returns the recorded frames
func (s *fakeSender) take() []Frame {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	frames := s.frames
	s.frames = nil
	return frames
}

func (s *fakeSender) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// connect registers a session and drops the welcome frame
func connect(h *Hub, subject string) (*Session, *fakeSender) {
	sender := &fakeSender{}
	s := h.Connect(subject, nil, sender)
	sender.take()
	return s, sender
}

func TestHub_WelcomeAndPing(t *testing.T) {
	h := NewHub(nil)
	sender := &fakeSender{}
	s := h.Connect("u1", map[string]string{"client": "test"}, sender)

	frames := sender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the welcome frame, got %d frames", len(frames))
	}
	assert.Equal(t, FrameSystem, frames[0].Type)
	assert.Equal(t, EventWelcome, frames[0].Event)
	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, s.ID, payload["sessionId"])
	assert.Equal(t, true, payload["authenticated"])
	assert.Equal(t, map[string]string{"client": "test"}, s.Attributes)
	assert.Equal(t, 1, h.Count())

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventPing})
	frames = sender.take()
	if len(frames) != 1 {
		t.Fatalf("expected a pong, got %d frames", len(frames))
	}
	assert.Equal(t, EventPong, frames[0].Event)

	connect(h, "")
	assert.Equal(t, 2, h.Count())
}

func TestHub_BroadcastFanOut(t *testing.T) {
	h := NewHub(nil)
	alice, aliceSender := connect(h, "alice")
	bob, bobSender := connect(h, "bob")
	carol, carolSender := connect(h, "carol")
	dave, daveSender := connect(h, "dave")
	eve, eveSender := connect(h, "")

	for _, s := range []*Session{alice, bob, carol} {
		h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	}
	h.Handle(alice.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "broadcast:room"})
	h.Handle(bob.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "broadcast:room"})
	// dave subscribes without joining, carol joins without subscribing
	h.Handle(dave.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "broadcast:room"})
	// eve holds both wildcards
	h.Handle(eve.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:*"})
	h.Handle(eve.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "*"})

	h.Handle(alice.ID, Frame{Type: FrameBroadcast, Event: "message", Topic: "broadcast:room", Payload: map[string]any{"text": "hi"}})

	assert.Empty(t, aliceSender.take(), "the sender never receives its own broadcast")
	frames := bobSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected one frame at bob, got %d", len(frames))
	}
	assert.Equal(t, FrameBroadcast, frames[0].Type)
	assert.Equal(t, "message", frames[0].Event)
	assert.Equal(t, map[string]any{"text": "hi"}, frames[0].Payload)
	assert.Empty(t, carolSender.take(), "membership alone must not deliver")
	assert.Empty(t, daveSender.take(), "subscription alone must not deliver")
	assert.Len(t, eveSender.take(), 1)
}

func TestHub_PresenceLifecycle(t *testing.T) {
	h := NewHub(nil)
	phone, phoneSender := connect(h, "mobile-user")
	watcher, watcherSender := connect(h, "watcher")

	for _, s := range []*Session{phone, watcher} {
		h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
		h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	}
	// subscribing to a presence topic replies with the full state
	frames := watcherSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the sync snapshot, got %d frames", len(frames))
	}
	assert.Equal(t, FramePresence, frames[0].Type)
	assert.Equal(t, EventSync, frames[0].Event)
	assert.Empty(t, frames[0].Payload.(map[string][]Record))
	phoneSender.take()

	h.Handle(phone.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room", Payload: map[string]any{"device": "phone"}})
	frames = watcherSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the join diff, got %d frames", len(frames))
	}
	diff := frames[0].Payload.(Diff)
	if assert.Len(t, diff.Joins["mobile-user"], 1) {
		record := diff.Joins["mobile-user"][0]
		assert.Equal(t, "mobile-user", record.Subject)
		assert.NotEmpty(t, record.Ref)
		assert.Equal(t, map[string]any{"device": "phone"}, record.Attributes)
	}
	assert.Empty(t, diff.Leaves)

	// a second track accumulates, one entry per device
	h.Handle(phone.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room", Payload: map[string]any{"device": "tablet"}})
	watcherSender.take()

	late, lateSender := connect(h, "late")
	h.Handle(late.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(late.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	frames = lateSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the sync snapshot, got %d frames", len(frames))
	}
	snapshot := frames[0].Payload.(map[string][]Record)
	assert.Len(t, snapshot["mobile-user"], 2)

	// untrack removes all entries of the subject and broadcasts them
	h.Handle(phone.ID, Frame{Type: FramePresence, Event: EventUntrack, Topic: "presence:room"})
	frames = watcherSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the leave diff, got %d frames", len(frames))
	}
	diff = frames[0].Payload.(Diff)
	assert.Empty(t, diff.Joins)
	assert.Len(t, diff.Leaves["mobile-user"], 2)
	assert.Empty(t, h.presence.Snapshot("room"))

	// a repeated untrack has nothing to remove and broadcasts nothing
	h.Handle(phone.ID, Frame{Type: FramePresence, Event: EventUntrack, Topic: "presence:room"})
	assert.Empty(t, watcherSender.take())
}

func TestHub_TrackWithoutPayloadUsesConnectAttributes(t *testing.T) {
	h := NewHub(nil)
	sender := &fakeSender{}
	s := h.Connect("u1", map[string]string{"device": "phone", "version": "1.4"}, sender)
	sender.take()

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	sender.take()

	h.Handle(s.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	frames := sender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the join diff, got %d frames", len(frames))
	}
	diff := frames[0].Payload.(Diff)
	if assert.Len(t, diff.Joins["u1"], 1) {
		assert.Equal(t, map[string]any{"device": "phone", "version": "1.4"}, diff.Joins["u1"][0].Attributes)
	}

	// an explicit payload always wins over the connect attributes
	h.Handle(s.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room", Payload: map[string]any{"device": "tablet"}})
	frames = sender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the join diff, got %d frames", len(frames))
	}
	diff = frames[0].Payload.(Diff)
	records := diff.Joins["u1"]
	if assert.Len(t, records, 1) {
		assert.Equal(t, map[string]any{"device": "tablet"}, records[0].Attributes)
	}
}

func TestHub_PresenceRequiresAuthentication(t *testing.T) {
	h := NewHub(nil)
	anon, anonSender := connect(h, "")

	h.Handle(anon.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	frames := anonSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected an error frame, got %d frames", len(frames))
	}
	assert.Equal(t, EventError, frames[0].Event)
	assert.Contains(t, frames[0].Payload.(map[string]any)["message"], "authenticated")

	// the error frame does not close the connection
	h.Handle(anon.ID, Frame{Type: FrameSystem, Event: EventPing})
	frames = anonSender.take()
	if len(frames) != 1 || frames[0].Event != EventPong {
		t.Fatal("session should still answer pings")
	}
	assert.Equal(t, 1, h.Count())
	assert.False(t, anonSender.isClosed())
}

func TestHub_DatabaseNotify(t *testing.T) {
	h := NewHub(nil)
	specific, specificSender := connect(h, "a")
	wildcard, wildcardSender := connect(h, "b")
	both, bothSender := connect(h, "c")
	_, otherSender := connect(h, "d")

	h.Handle(specific.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:INSERT"})
	h.Handle(wildcard.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:*"})
	h.Handle(both.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:INSERT"})
	h.Handle(both.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:*"})
	assert.Equal(t, []string{"database:notes:*", "database:notes:INSERT"}, h.Interests())

	h.Notify("notes", core.ChangeInsert, map[string]any{"id": "n1"}, nil)

	frames := specificSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected one change frame, got %d", len(frames))
	}
	assert.Equal(t, FrameDatabase, frames[0].Type)
	assert.Equal(t, "INSERT", frames[0].Event)
	assert.Equal(t, "database:notes:INSERT", frames[0].Topic)
	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, "notes", payload["resource"])
	assert.Equal(t, map[string]any{"id": "n1"}, payload["record"])
	_, hasOld := payload["oldRecord"]
	assert.False(t, hasOld)

	frames = wildcardSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected one change frame, got %d", len(frames))
	}
	assert.Equal(t, "database:notes:*", frames[0].Topic)
	// subscribed to both topics, delivered once per topic
	assert.Len(t, bothSender.take(), 2)
	assert.Empty(t, otherSender.take())

	// nobody listens to tasks, nothing is delivered
	h.Notify("tasks", core.ChangeInsert, map[string]any{"id": "t1"}, nil)
	assert.Empty(t, specificSender.take())
	assert.Empty(t, wildcardSender.take())

	// deletes carry the old record
	h.Notify("notes", core.ChangeDelete, nil, map[string]any{"id": "n1"})
	frames = wildcardSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected one change frame, got %d", len(frames))
	}
	payload = frames[0].Payload.(map[string]any)
	assert.Equal(t, map[string]any{"id": "n1"}, payload["oldRecord"])

	// the last unsubscriber garbage-collects the interest
	h.Handle(specific.ID, Frame{Type: FrameSystem, Event: EventUnsubscribe, Topic: "database:notes:INSERT"})
	h.Handle(both.ID, Frame{Type: FrameSystem, Event: EventUnsubscribe, Topic: "database:notes:INSERT"})
	assert.Equal(t, []string{"database:notes:*"}, h.Interests())
	h.Notify("notes", core.ChangeInsert, map[string]any{"id": "n2"}, nil)
	assert.Empty(t, specificSender.take())
}

func TestHub_LeaveCascade(t *testing.T) {
	h := NewHub(nil)
	s, sender := connect(h, "u1")
	watcher, watcherSender := connect(h, "watcher")
	peer, _ := connect(h, "peer")

	h.Handle(watcher.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(watcher.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	h.Handle(peer.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	watcherSender.take()

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "broadcast:room"})
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:*"})
	h.Handle(s.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	sender.take()
	watcherSender.take()

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventLeave, Topic: "channel:room"})

	// leaving untracked the presence and broadcast the leave diff
	frames := watcherSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the leave diff, got %d frames", len(frames))
	}
	assert.Len(t, frames[0].Payload.(Diff).Leaves["u1"], 1)

	// the channel's subscriptions are gone, a broadcast no longer arrives
	h.Handle(peer.ID, Frame{Type: FrameBroadcast, Event: "message", Topic: "broadcast:room", Payload: "x"})
	assert.Empty(t, sender.take())

	// the database subscription references no channel and survives
	assert.Equal(t, []string{"database:notes:*"}, h.Interests())
	h.Notify("notes", core.ChangeInsert, map[string]any{"id": "n1"}, nil)
	assert.Len(t, sender.take(), 1)
}

func TestHub_DisconnectCleanup(t *testing.T) {
	h := NewHub(nil)
	s, sender := connect(h, "u1")
	watcher, watcherSender := connect(h, "watcher")

	h.Handle(watcher.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(watcher.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "presence:room"})
	watcherSender.take()

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventJoin, Topic: "channel:room"})
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventSubscribe, Topic: "database:notes:INSERT"})
	h.Handle(s.ID, Frame{Type: FramePresence, Event: EventTrack, Topic: "presence:room"})
	watcherSender.take()

	h.Disconnect(s.ID)

	frames := watcherSender.take()
	if len(frames) != 1 {
		t.Fatalf("expected the leave diff, got %d frames", len(frames))
	}
	assert.Len(t, frames[0].Payload.(Diff).Leaves["u1"], 1)
	assert.Equal(t, 1, h.Count())
	assert.Empty(t, h.Interests())
	assert.True(t, sender.isClosed())

	// repeated disconnects and late frames are no-ops
	h.Disconnect(s.ID)
	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventPing})
	assert.Empty(t, sender.take())
}

func TestHub_SweepDisconnectsStale(t *testing.T) {
	h := NewHub(&HubBuilder{HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second})
	current := time.Now()
	h.now = func() time.Time { return current }

	_, staleSender := connect(h, "stale")
	fresh, freshSender := connect(h, "fresh")

	current = current.Add(1500 * time.Millisecond)
	h.Handle(fresh.ID, Frame{Type: FrameSystem, Event: EventPing})
	freshSender.take()

	current = current.Add(time.Second)
	h.sweep(context.Background())

	assert.Equal(t, 1, h.Count())
	assert.True(t, staleSender.isClosed())
	assert.False(t, freshSender.isClosed())

	h.Handle(fresh.ID, Frame{Type: FrameSystem, Event: EventPing})
	assert.Len(t, freshSender.take(), 1)
}

func TestHub_TimeoutMustExceedInterval(t *testing.T) {
	assert.Panics(t, func() {
		NewHub(&HubBuilder{HeartbeatInterval: time.Minute, HeartbeatTimeout: time.Minute})
	})
}

func TestHub_ErrorFramesDoNotDisconnect(t *testing.T) {
	h := NewHub(nil)
	s, sender := connect(h, "u1")

	bad := []Frame{
		{Type: "telepathy"},
		{Type: FrameSystem, Event: "explode"},
		{Type: FrameSystem, Event: EventJoin, Topic: "room"},
		{Type: FrameSystem, Event: EventLeave, Topic: "presence:room"},
		{Type: FrameSystem, Event: EventSubscribe},
		{Type: FrameSystem, Event: EventUnsubscribe},
		{Type: FramePresence, Event: EventTrack, Topic: "broadcast:room"},
		{Type: FrameBroadcast, Event: "message", Topic: "channel:room"},
	}
	for _, frame := range bad {
		h.Handle(s.ID, frame)
		frames := sender.take()
		if len(frames) != 1 {
			t.Fatalf("expected an error frame for %+v, got %d frames", frame, len(frames))
		}
		assert.Equal(t, EventError, frames[0].Event)
	}

	h.Handle(s.ID, Frame{Type: FrameSystem, Event: EventPing})
	frames := sender.take()
	if len(frames) != 1 || frames[0].Event != EventPong {
		t.Fatal("session should still answer pings")
	}
	assert.Equal(t, 1, h.Count())
}
