/*Package realtime is the pub/sub gateway: sessions over a
bidirectional transport, channel memberships, topic subscriptions,
presence tracking and database change notifications.

Every message travels in a Frame envelope. Clients drive the protocol
with system frames (ping, join, leave, subscribe, unsubscribe),
presence frames (track, untrack) and broadcast frames; the server
originates welcome, pong, sync, presence diffs, forwarded broadcasts,
database change frames and error frames. Error frames never close the
connection.
*/
package realtime

import (
	"strings"

	"github.com/relabs-tech/limen/core"
)

// FrameType is the coarse category of a frame.
type FrameType string

// all frame types
const (
	FrameSystem    FrameType = "system"
	FramePresence  FrameType = "presence"
	FrameBroadcast FrameType = "broadcast"
	FrameDatabase  FrameType = "database"
)

// events understood or emitted by the hub
const (
	EventWelcome     = "welcome"
	EventPing        = "ping"
	EventPong        = "pong"
	EventJoin        = "join"
	EventLeave       = "leave"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventTrack       = "track"
	EventUntrack     = "untrack"
	EventSync        = "sync"
	EventDiff        = "diff"
	EventError       = "error"
)

// Frame is the envelope every realtime message travels in.
type Frame struct {
	Type    FrameType `json:"type"`
	Event   string    `json:"event,omitempty"`
	Topic   string    `json:"topic,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// Wildcard joins every channel or subscribes to every channel topic.
const Wildcard = "*"

// topic prefixes
const (
	channelPrefix   = "channel:"
	presencePrefix  = "presence:"
	broadcastPrefix = "broadcast:"
	databasePrefix  = "database:"
)

// ChannelTopic names a channel membership topic.
func ChannelTopic(name string) string {
	return channelPrefix + name
}

// PresenceTopic names the presence stream of a channel.
func PresenceTopic(channel string) string {
	return presencePrefix + channel
}

// BroadcastTopic names the broadcast stream of a channel.
func BroadcastTopic(channel string) string {
	return broadcastPrefix + channel
}

// DatabaseTopic names the change stream for one resource and change
// kind. The kind core.ChangeAll subscribes to every change of the
// resource.
func DatabaseTopic(resource string, kind core.ChangeKind) string {
	return databasePrefix + resource + ":" + string(kind)
}

// channelOf extracts the channel a prefixed topic references.
func channelOf(topic, prefix string) (string, bool) {
	if !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
		return "", false
	}
	return topic[len(prefix):], true
}

// topicChannel returns the channel any channel-scoped topic references,
// empty for database topics and malformed topics.
func topicChannel(topic string) string {
	for _, prefix := range []string{channelPrefix, presencePrefix, broadcastPrefix} {
		if channel, ok := channelOf(topic, prefix); ok {
			return channel
		}
	}
	return ""
}

func isDatabaseTopic(topic string) bool {
	return strings.HasPrefix(topic, databasePrefix)
}

func errorFrame(message string) Frame {
	return Frame{Type: FrameSystem, Event: EventError, Payload: map[string]any{"message": message}}
}
