package conversation

import (
	"sort"

	"github.com/p-blackswan/verichat/internal/models"
)

// Transcript is the ordered message list of one selected conversation. It is
// replaced, never cleared, when the selection changes, so late callbacks that
// still hold the old one cannot touch the new conversation.
type Transcript struct {
	key  models.ConversationKey
	msgs []models.Message
}

func newTranscript(key models.ConversationKey) *Transcript {
	return &Transcript{key: key}
}

// Key returns the conversation the transcript belongs to.
func (t *Transcript) Key() models.ConversationKey { return t.key }

// Len returns the number of rows.
func (t *Transcript) Len() int { return len(t.msgs) }

// Messages returns a copy of the ordered rows.
func (t *Transcript) Messages() []models.Message {
	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *Transcript) indexConfirmed(id string) int {
	for i, m := range t.msgs {
		if got, ok := m.ConfirmedID(); ok && got == id {
			return i
		}
	}
	return -1
}

func (t *Transcript) indexPending(tempID string) int {
	for i, m := range t.msgs {
		if got, ok := m.TempID(); ok && got == tempID {
			return i
		}
	}
	return -1
}

// Insert adds m unless a row with the same confirmed id already exists.
// Pending rows are always added. Reports whether the list changed.
func (t *Transcript) Insert(m models.Message) bool {
	if id, ok := m.ConfirmedID(); ok && t.indexConfirmed(id) >= 0 {
		return false
	}
	t.msgs = append(t.msgs, m)
	t.sort()
	return true
}

type confirmOutcome int

const (
	confirmedInPlace confirmOutcome = iota
	// The confirmed id arrived through poll or push first.
	confirmedDuplicate
	// The pending row was gone; the confirmed row was inserted.
	confirmedInserted
)

// Confirm swaps the pending row tempID for confirmed.
func (t *Transcript) Confirm(tempID string, confirmed models.Message) confirmOutcome {
	id, _ := confirmed.ConfirmedID()
	pos := t.indexPending(tempID)
	if t.indexConfirmed(id) >= 0 {
		if pos >= 0 {
			t.msgs = append(t.msgs[:pos], t.msgs[pos+1:]...)
		}
		return confirmedDuplicate
	}
	if pos < 0 {
		t.Insert(confirmed)
		return confirmedInserted
	}
	t.msgs[pos] = confirmed
	t.sort()
	return confirmedInPlace
}

// Remove drops the pending row tempID. Reports whether it existed.
func (t *Transcript) Remove(tempID string) bool {
	pos := t.indexPending(tempID)
	if pos < 0 {
		return false
	}
	t.msgs = append(t.msgs[:pos], t.msgs[pos+1:]...)
	return true
}

// MarkRead flags every confirmed row addressed to selfID as read and returns
// how many changed.
func (t *Transcript) MarkRead(selfID string) int {
	n := 0
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.RecipientID == selfID && !m.Read && !m.IsPending() {
			m.Read = true
			n++
		}
	}
	return n
}

// sort orders rows by creation time; equal times keep arrival order.
func (t *Transcript) sort() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt.Before(t.msgs[j].CreatedAt)
	})
}
