package chat

import (
	"sort"

	"github.com/beech80/clipt-sub000/internal/domain"
)

// Timeline is a session's ordered list of visible messages, sorted by
// creation time with ties broken by id. It is not safe for concurrent use;
// the owning session serializes access.
type Timeline struct {
	msgs []*domain.ChatMessage
	ids  map[string]struct{}
	max  int
}

// NewTimeline creates a timeline that keeps at most max messages, dropping
// the oldest. max <= 0 means unbounded.
func NewTimeline(max int) *Timeline {
	return &Timeline{ids: make(map[string]struct{}), max: max}
}

// Append adds m at its sorted position. A message arriving in order goes to
// the tail without touching the rest. Duplicates and deleted messages are
// ignored; the return value reports whether m was added.
func (t *Timeline) Append(m *domain.ChatMessage) bool {
	if m == nil || !m.Visible() {
		return false
	}
	if _, dup := t.ids[m.ID]; dup {
		return false
	}

	n := len(t.msgs)
	if n == 0 || !m.Before(t.msgs[n-1]) {
		t.msgs = append(t.msgs, m)
	} else {
		i := sort.Search(n, func(i int) bool { return m.Before(t.msgs[i]) })
		t.msgs = append(t.msgs, nil)
		copy(t.msgs[i+1:], t.msgs[i:])
		t.msgs[i] = m
	}
	t.ids[m.ID] = struct{}{}
	t.trim()
	return true
}

func (t *Timeline) trim() {
	if t.max <= 0 || len(t.msgs) <= t.max {
		return
	}
	drop := len(t.msgs) - t.max
	for _, m := range t.msgs[:drop] {
		delete(t.ids, m.ID)
	}
	t.msgs = append(t.msgs[:0:0], t.msgs[drop:]...)
}

// Merge adds a batch, typically history loaded after the live subscription
// opened, so events already received are not duplicated.
func (t *Timeline) Merge(batch []*domain.ChatMessage) {
	for _, m := range batch {
		t.Append(m)
	}
}

// Remove drops id. Removing an absent id is a no-op.
func (t *Timeline) Remove(id string) bool {
	if _, ok := t.ids[id]; !ok {
		return false
	}
	for i, m := range t.msgs {
		if m.ID == id {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	delete(t.ids, id)
	return true
}

// Edit replaces the body of a held message. The author label is kept when
// the update carries none.
func (t *Timeline) Edit(m *domain.ChatMessage) bool {
	if _, ok := t.ids[m.ID]; !ok {
		return false
	}
	for i, cur := range t.msgs {
		if cur.ID != m.ID {
			continue
		}
		updated := *cur
		updated.Body = m.Body
		updated.EditedAt = m.EditedAt
		if m.Username != "" {
			updated.Username = m.Username
		}
		t.msgs[i] = &updated
		return true
	}
	return false
}

func (t *Timeline) Contains(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *Timeline) Len() int {
	return len(t.msgs)
}

// Snapshot returns copies of the held messages in order.
func (t *Timeline) Snapshot() []*domain.ChatMessage {
	out := make([]*domain.ChatMessage, len(t.msgs))
	for i, m := range t.msgs {
		c := *m
		out[i] = &c
	}
	return out
}

// Reset empties the timeline.
func (t *Timeline) Reset() {
	t.msgs = nil
	t.ids = make(map[string]struct{})
}
