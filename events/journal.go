package events

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const journalHistoryLimit = 2048

// Entry is a journalled event together with its position in the stream.
type Entry struct {
	Sequence uint64   `json:"sequence"`
	Cursor   string   `json:"cursor"`
	Payload  *Payload `json:"payload"`
}

func cloneEntry(entry Entry) Entry {
	cloned := entry
	cloned.Payload = entry.Payload.Clone()
	return cloned
}

// Journal retains a bounded history of emitted events and fans them out to
// live subscribers. The sequence number doubles as the resume cursor: a
// subscriber that reconnects with its last seen cursor receives every retained
// event it missed before going live.
type Journal struct {
	mu      sync.Mutex
	seq     uint64
	history []Entry
	limit   int
	subs    map[uint64]chan Entry
	nextSub uint64
}

// NewJournal returns a journal retaining the default amount of history.
func NewJournal() *Journal {
	return &Journal{limit: journalHistoryLimit}
}

// Emit implements the Emitter interface. Events that carry a structured
// payload are journalled as-is; anything else is recorded by type alone.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	if provider, ok := evt.(interface{ Event() *Payload }); ok {
		if payload := provider.Event(); payload != nil {
			j.Append(payload)
		}
		return
	}
	j.Append(&Payload{Type: evt.EventType(), Attributes: map[string]string{}})
}

// Append journals a payload, assigns it the next sequence number and delivers
// it to every live subscriber. Slow subscribers are skipped rather than
// blocking the emitting operation; they recover missed entries via the cursor.
func (j *Journal) Append(payload *Payload) {
	if j == nil || payload == nil {
		return
	}

	j.mu.Lock()
	if j.subs == nil {
		j.subs = make(map[uint64]chan Entry)
	}
	if j.limit <= 0 {
		j.limit = journalHistoryLimit
	}
	j.seq++
	entry := Entry{
		Sequence: j.seq,
		Cursor:   strconv.FormatUint(j.seq, 10),
		Payload:  payload.Clone(),
	}
	j.history = append(j.history, entry)
	if len(j.history) > j.limit {
		excess := len(j.history) - j.limit
		trimmed := make([]Entry, j.limit)
		copy(trimmed, j.history[excess:])
		j.history = trimmed
	}
	subscribers := make([]chan Entry, 0, len(j.subs))
	for _, ch := range j.subs {
		subscribers = append(subscribers, ch)
	}
	j.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneEntry(entry):
		default:
		}
	}
}

// Sequence returns the sequence number of the most recently journalled event.
func (j *Journal) Sequence() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Subscribe registers a subscriber for events after the supplied cursor. It
// returns the live channel, a cancel function, and the retained backlog newer
// than the cursor. An empty or malformed cursor starts from the live edge of
// the retained history.
func (j *Journal) Subscribe(cursor string) (<-chan Entry, func(), []Entry, error) {
	if j == nil {
		return nil, nil, nil, fmt.Errorf("event journal not initialised")
	}
	updates := make(chan Entry, 32)

	var since uint64
	replay := false
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
			replay = true
		}
	}

	j.mu.Lock()
	if j.subs == nil {
		j.subs = make(map[uint64]chan Entry)
	}
	id := j.nextSub
	j.nextSub++
	j.subs[id] = updates
	var history []Entry
	if replay {
		history = make([]Entry, len(j.history))
		copy(history, j.history)
	}
	j.mu.Unlock()

	backlog := make([]Entry, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEntry(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			sub, ok := j.subs[id]
			if ok {
				delete(j.subs, id)
				close(sub)
			}
			j.mu.Unlock()
		})
	}

	return updates, cancel, backlog, nil
}
