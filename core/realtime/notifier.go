package realtime

import (
	"sort"
	"sync"

	"github.com/relabs-tech/limen/core"
)

// interests reference-counts database change topics across sessions, so
// that a change with no listener costs one map lookup and nothing else.
// The entry disappears with its last subscriber.
type interests struct {
	mutex  sync.Mutex
	counts map[string]int
}

func newInterests() *interests {
	return &interests{counts: make(map[string]int)}
}

func (i *interests) add(topic string) {
	i.mutex.Lock()
	i.counts[topic]++
	i.mutex.Unlock()
}

func (i *interests) remove(topic string) {
	i.mutex.Lock()
	if n := i.counts[topic]; n <= 1 {
		delete(i.counts, topic)
	} else {
		i.counts[topic] = n - 1
	}
	i.mutex.Unlock()
}

func (i *interests) has(topic string) bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.counts[topic] > 0
}

func (i *interests) topics() []string {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	topics := make([]string, 0, len(i.counts))
	for topic := range i.counts {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Notify routes one database change to the sessions subscribed to the
// specific topic and to the kind wildcard topic. It is fed by the
// gateway's write path and by the external change feed, the hub itself
// never observes the store.
func (h *Hub) Notify(resource string, kind core.ChangeKind, record, oldRecord map[string]any) {
	payload := map[string]any{
		"resource":   resource,
		"changeKind": kind,
		"record":     record,
	}
	if oldRecord != nil {
		payload["oldRecord"] = oldRecord
	}
	for _, topic := range []string{DatabaseTopic(resource, kind), DatabaseTopic(resource, core.ChangeAll)} {
		if !h.interests.has(topic) {
			continue
		}
		frame := Frame{Type: FrameDatabase, Event: string(kind), Topic: topic, Payload: payload}
		for _, sender := range h.subscribers(topic) {
			sender.Send(frame)
		}
	}
}

// subscribers returns the senders of every session subscribed to the
// exact topic.
func (h *Hub) subscribers(topic string) []Sender {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	var senders []Sender
	for _, s := range h.sessions {
		if s.topics[topic] {
			senders = append(senders, s.sender)
		}
	}
	return senders
}
