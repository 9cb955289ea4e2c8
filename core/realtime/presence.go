package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one tracked presence entry. A subject may hold several
// records in the same channel, one per track call, e.g. one per device.
type Record struct {
	Subject    string         `json:"subject"`
	JoinedAt   time.Time      `json:"joinedAt"`
	Ref        string         `json:"presenceRef"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Diff describes one presence state change for broadcast. Both maps are
// always present, an empty side renders as an empty object.
type Diff struct {
	Joins  map[string][]Record `json:"joins"`
	Leaves map[string][]Record `json:"leaves"`
}

func emptyDiff() Diff {
	return Diff{Joins: map[string][]Record{}, Leaves: map[string][]Record{}}
}

// Tracker holds the presence state: channel to subject to records.
// Every mutation returns the diff to broadcast.
type Tracker struct {
	mutex    sync.Mutex
	channels map[string]map[string][]Record

	now    func() time.Time
	newRef func() string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		channels: make(map[string]map[string][]Record),
		now:      time.Now,
		newRef:   func() string { return uuid.New().String() },
	}
}

// Track appends a presence record for the subject and returns it with
// the join diff.
func (t *Tracker) Track(channel, subject string, attributes map[string]any) (Record, Diff) {
	record := Record{
		Subject:    subject,
		JoinedAt:   t.now().UTC(),
		Ref:        t.newRef(),
		Attributes: attributes,
	}
	t.mutex.Lock()
	subjects := t.channels[channel]
	if subjects == nil {
		subjects = make(map[string][]Record)
		t.channels[channel] = subjects
	}
	subjects[subject] = append(subjects[subject], record)
	t.mutex.Unlock()

	diff := emptyDiff()
	diff.Joins[subject] = []Record{record}
	return record, diff
}

// Untrack removes all of the subject's records in the channel. The
// second return value reports whether anything was tracked at all, a
// no-op untrack broadcasts nothing.
func (t *Tracker) Untrack(channel, subject string) (Diff, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	subjects := t.channels[channel]
	records := subjects[subject]
	if len(records) == 0 {
		return Diff{}, false
	}
	delete(subjects, subject)
	if len(subjects) == 0 {
		delete(t.channels, channel)
	}
	diff := emptyDiff()
	diff.Leaves[subject] = records
	return diff, true
}

// Snapshot returns a copy of the channel's full presence state.
func (t *Tracker) Snapshot(channel string) map[string][]Record {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	snapshot := make(map[string][]Record, len(t.channels[channel]))
	for subject, records := range t.channels[channel] {
		snapshot[subject] = append([]Record(nil), records...)
	}
	return snapshot
}
