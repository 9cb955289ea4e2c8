package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/limen/core/logger"
)

// defaults for the liveness sweep
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 70 * time.Second
)

// Sender delivers frames to one connected client. Send must not block;
// the transport glue buffers and drops frames a slow client cannot take.
// Close tells the transport to shut the connection down.
type Sender interface {
	Send(frame Frame)
	Close()
}

// Session is one live realtime connection. Subject is empty for
// anonymous sessions; subject and attributes are fixed at connect time.
// The membership and subscription sets belong to the hub and are only
// touched under its lock.
type Session struct {
	ID         string
	Subject    string
	Attributes map[string]string

	sender        Sender
	channels      map[string]bool
	topics        map[string]bool
	lastHeartbeat time.Time
}

// Authenticated reports whether a credential verified at connect time.
func (s *Session) Authenticated() bool {
	return s.Subject != ""
}

// HubBuilder is the input to NewHub
type HubBuilder struct {
	// HeartbeatInterval is the liveness sweep period. Optional.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the maximum heartbeat age before a session is
	// force-disconnected. Must be greater than the interval. Optional.
	HeartbeatTimeout time.Duration
}

// Hub owns the realtime sessions and routes every frame: channel
// membership, topic subscriptions, presence, broadcast fan-out and
// database change delivery.
type Hub struct {
	mutex    sync.RWMutex
	sessions map[string]*Session

	presence  *Tracker
	interests *interests

	interval time.Duration
	timeout  time.Duration

	now   func() time.Time
	newID func() string
}

// NewHub creates the hub. Panics if the timeout does not exceed the
// sweep interval, such a configuration would disconnect every session
// on its first sweep.
func NewHub(builder *HubBuilder) *Hub {
	if builder == nil {
		builder = &HubBuilder{}
	}
	interval := builder.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	timeout := builder.HeartbeatTimeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if timeout <= interval {
		panic("heartbeat timeout must be greater than the heartbeat interval")
	}
	return &Hub{
		sessions:  make(map[string]*Session),
		presence:  NewTracker(),
		interests: newInterests(),
		interval:  interval,
		timeout:   timeout,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Connect registers a new session and sends the welcome frame. An empty
// subject connects anonymously, connect itself never fails. Attributes
// carry client metadata from the connect request; a track frame without
// a payload publishes them as the presence attributes.
func (h *Hub) Connect(subject string, attributes map[string]string, sender Sender) *Session {
	s := &Session{
		ID:            h.newID(),
		Subject:       subject,
		Attributes:    attributes,
		sender:        sender,
		channels:      make(map[string]bool),
		topics:        make(map[string]bool),
		lastHeartbeat: h.now(),
	}
	h.mutex.Lock()
	h.sessions[s.ID] = s
	h.mutex.Unlock()
	sender.Send(Frame{Type: FrameSystem, Event: EventWelcome, Payload: map[string]any{
		"sessionId":     s.ID,
		"serverTime":    h.now().UTC(),
		"authenticated": s.Authenticated(),
	}})
	return s
}

// Disconnect removes the session and runs the shared cleanup path:
// presence untracked with leave diffs, database interests dropped,
// transport closed. Explicit close, transport error and the liveness
// sweep all end here, a second call for the same id is a no-op.
func (h *Hub) Disconnect(id string) {
	h.mutex.Lock()
	s, ok := h.sessions[id]
	var channels, topics []string
	if ok {
		delete(h.sessions, id)
		for channel := range s.channels {
			channels = append(channels, channel)
		}
		for topic := range s.topics {
			topics = append(topics, topic)
		}
		// late frames from the read pump see empty sets
		s.channels = make(map[string]bool)
		s.topics = make(map[string]bool)
	}
	h.mutex.Unlock()
	if !ok {
		return
	}
	if s.Authenticated() {
		for _, channel := range channels {
			h.untrackAndBroadcast(s, channel)
		}
	}
	for _, topic := range topics {
		if isDatabaseTopic(topic) {
			h.interests.remove(topic)
		}
	}
	s.sender.Close()
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// Interests returns the database change topics currently listened to.
func (h *Hub) Interests() []string {
	return h.interests.topics()
}

// Handle processes one inbound frame for the session. The transport
// calls it sequentially per session, so a session's frames take effect
// in the order they arrived. Replies and errors go out as frames on the
// same connection, a bad frame never disconnects.
func (h *Hub) Handle(id string, frame Frame) {
	h.mutex.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mutex.Unlock()
		return
	}
	s.lastHeartbeat = h.now()
	h.mutex.Unlock()

	switch frame.Type {
	case FrameSystem:
		h.handleSystem(s, frame)
	case FramePresence:
		h.handlePresence(s, frame)
	case FrameBroadcast:
		h.handleBroadcast(s, frame)
	default:
		s.sender.Send(errorFrame("unknown frame type '" + string(frame.Type) + "'"))
	}
}

func (h *Hub) handleSystem(s *Session, frame Frame) {
	switch frame.Event {
	case EventPing:
		s.sender.Send(Frame{Type: FrameSystem, Event: EventPong, Payload: map[string]any{"time": h.now().UTC()}})
	case EventJoin:
		channel, ok := channelOf(frame.Topic, channelPrefix)
		if !ok {
			s.sender.Send(errorFrame("join needs a channel topic"))
			return
		}
		h.join(s, channel)
	case EventLeave:
		channel, ok := channelOf(frame.Topic, channelPrefix)
		if !ok {
			s.sender.Send(errorFrame("leave needs a channel topic"))
			return
		}
		h.leave(s, channel)
	case EventSubscribe:
		if frame.Topic == "" {
			s.sender.Send(errorFrame("subscribe needs a topic"))
			return
		}
		h.subscribe(s, frame.Topic)
		if channel, ok := channelOf(frame.Topic, presencePrefix); ok {
			// a fresh presence subscriber starts from the full state
			s.sender.Send(Frame{Type: FramePresence, Event: EventSync, Topic: frame.Topic, Payload: h.presence.Snapshot(channel)})
		}
	case EventUnsubscribe:
		if frame.Topic == "" {
			s.sender.Send(errorFrame("unsubscribe needs a topic"))
			return
		}
		h.unsubscribe(s, frame.Topic)
	default:
		s.sender.Send(errorFrame("unknown system event '" + frame.Event + "'"))
	}
}

func (h *Hub) handlePresence(s *Session, frame Frame) {
	if !s.Authenticated() {
		s.sender.Send(errorFrame("presence requires an authenticated session"))
		return
	}
	channel, ok := channelOf(frame.Topic, presencePrefix)
	if !ok {
		s.sender.Send(errorFrame("presence needs a presence topic"))
		return
	}
	switch frame.Event {
	case EventTrack:
		attributes, _ := frame.Payload.(map[string]any)
		if attributes == nil && len(s.Attributes) > 0 {
			attributes = make(map[string]any, len(s.Attributes))
			for key, value := range s.Attributes {
				attributes[key] = value
			}
		}
		_, diff := h.presence.Track(channel, s.Subject, attributes)
		h.deliver(channel, frame.Topic, Frame{Type: FramePresence, Event: EventDiff, Topic: frame.Topic, Payload: diff}, "")
	case EventUntrack:
		if diff, ok := h.presence.Untrack(channel, s.Subject); ok {
			h.deliver(channel, frame.Topic, Frame{Type: FramePresence, Event: EventDiff, Topic: frame.Topic, Payload: diff}, "")
		}
	default:
		s.sender.Send(errorFrame("unknown presence event '" + frame.Event + "'"))
	}
}

// handleBroadcast forwards the frame verbatim to every other session
// joined to the channel and subscribed to the topic. Nothing persists.
func (h *Hub) handleBroadcast(s *Session, frame Frame) {
	channel, ok := channelOf(frame.Topic, broadcastPrefix)
	if !ok {
		s.sender.Send(errorFrame("broadcast needs a broadcast topic"))
		return
	}
	h.deliver(channel, frame.Topic, frame, s.ID)
}

func (h *Hub) join(s *Session, channel string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	s.channels[channel] = true
}

// leave drops the membership and cascades: every subscription whose
// topic references the channel goes away and the session's presence in
// the channel is untracked with a leave diff. Database subscriptions
// reference no channel and survive.
func (h *Hub) leave(s *Session, channel string) {
	h.mutex.Lock()
	delete(s.channels, channel)
	for topic := range s.topics {
		if topicChannel(topic) == channel {
			delete(s.topics, topic)
		}
	}
	h.mutex.Unlock()
	if s.Authenticated() {
		h.untrackAndBroadcast(s, channel)
	}
}

func (h *Hub) subscribe(s *Session, topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	if s.topics[topic] {
		return
	}
	s.topics[topic] = true
	if isDatabaseTopic(topic) {
		h.interests.add(topic)
	}
}

func (h *Hub) unsubscribe(s *Session, topic string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !s.topics[topic] {
		return
	}
	delete(s.topics, topic)
	if isDatabaseTopic(topic) {
		h.interests.remove(topic)
	}
}

func (h *Hub) untrackAndBroadcast(s *Session, channel string) {
	diff, ok := h.presence.Untrack(channel, s.Subject)
	if !ok {
		return
	}
	topic := PresenceTopic(channel)
	h.deliver(channel, topic, Frame{Type: FramePresence, Event: EventDiff, Topic: topic, Payload: diff}, "")
}

// deliver fans a channel message out by the joint rule: the target must
// have joined the channel (or hold the wildcard membership) and be
// subscribed to the topic (or the wildcard topic). Membership alone
// delivers nothing.
func (h *Hub) deliver(channel, topic string, frame Frame, except string) {
	h.mutex.RLock()
	var senders []Sender
	for _, s := range h.sessions {
		if s.ID == except {
			continue
		}
		if (s.channels[channel] || s.channels[Wildcard]) && (s.topics[topic] || s.topics[Wildcard]) {
			senders = append(senders, s.sender)
		}
	}
	h.mutex.RUnlock()
	for _, sender := range senders {
		sender.Send(frame)
	}
}

// Run drives the liveness sweep until the context ends. The sweep
// period equals the heartbeat interval.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep force-disconnects every session whose heartbeat went stale,
// through the same cleanup path as an explicit close.
func (h *Hub) sweep(ctx context.Context) {
	cutoff := h.now().Add(-h.timeout)
	h.mutex.RLock()
	var stale []string
	for id, s := range h.sessions {
		if s.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mutex.RUnlock()
	for _, id := range stale {
		logger.FromContext(ctx).Debugf("closing stale realtime session %s", id)
		h.Disconnect(id)
	}
}
