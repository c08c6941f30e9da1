package page

import (
	"strings"
	"time"

	"github.com/p-blackswan/verichat/internal/channel"
	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/status"
	"github.com/p-blackswan/verichat/internal/transcript"
)

// Retry names the action that may clear a notice.
type Retry string

const (
	RetryNone         Retry = ""
	RetryContacts     Retry = "contacts"
	RetryConversation Retry = "conversation"
)

// Notice is a dismissable message shown above the transcript.
type Notice struct {
	ID    int
	Kind  perrors.Kind
	Text  string
	Retry Retry
}

// ViewState is everything a renderer needs to draw the page.
type ViewState struct {
	Role         models.Role
	Self         models.Participant
	Mounted      bool
	Ready        bool
	AuthRequired bool

	Connection channel.State
	Degraded   bool

	Partners        []models.Participant
	ContactsLoading bool

	Selected    models.Participant
	HasSelected bool
	Entries     []transcript.Entry
	// Senders holds the last known details of everyone with a row in
	// Entries, including people no longer in the contact list.
	Senders    map[string]models.Participant
	Messages   int
	Pending    int
	LastSync   time.Time
	PeerTyping bool

	Notices []Notice
	Input   string
}

// View returns the current ViewState.
func (c *Controller) View() ViewState {
	v := ViewState{
		Role:         c.role,
		Self:         c.self,
		Mounted:      c.mounted && !c.closed,
		Ready:        c.ready,
		AuthRequired: c.authRequired,
		Connection:   c.deps.Channel.State(),
		Notices:      append([]Notice(nil), c.notices...),
		Input:        c.input,
	}
	v.Degraded = v.Connection.Degraded()
	if !c.ready {
		return v
	}

	v.Partners = c.directory.Partners()
	v.ContactsLoading = c.directory.Loading()
	v.PeerTyping = c.signaler.PeerTyping()

	if conv, ok := c.store.Snapshot(); ok {
		v.Selected = c.resolve(conv.Partner)
		v.HasSelected = true
		v.Entries = transcript.GroupByDay(conv.Messages, c.cfg.Location)
		v.Messages = len(conv.Messages)
		v.LastSync = conv.LastSync
		v.Senders = map[string]models.Participant{
			c.self.ID:     c.self,
			v.Selected.ID: v.Selected,
		}
		for _, m := range conv.Messages {
			if m.IsPending() {
				v.Pending++
			}
			if _, ok := v.Senders[m.SenderID]; !ok {
				v.Senders[m.SenderID] = c.resolve(models.Participant{ID: m.SenderID})
			}
		}
	}
	return v
}

// resolve returns the freshest details the directory has seen for p.
func (c *Controller) resolve(p models.Participant) models.Participant {
	if known, ok := c.directory.Lookup(p.ID); ok {
		return known
	}
	return p
}

// StatusSnapshot summarises the page for the status server.
func (c *Controller) StatusSnapshot() status.Snapshot {
	v := c.View()
	return status.Snapshot{
		Role:         string(v.Role),
		SelfID:       v.Self.ID,
		Connection:   string(v.Connection),
		Degraded:     v.Degraded,
		AuthRequired: v.AuthRequired,
		Contacts:     len(v.Partners),
		SelectedID:   v.Selected.ID,
		Messages:     v.Messages,
		Pending:      v.Pending,
		PeerTyping:   v.PeerTyping,
		Notices:      len(v.Notices),
		LastSync:     v.LastSync,
	}
}

// addNotice appends a notice unless an identical one is already showing, so a
// failing poll does not stack up copies.
func (c *Controller) addNotice(kind perrors.Kind, text string, retry Retry) {
	for _, n := range c.notices {
		if n.Kind == kind && n.Text == text {
			return
		}
	}
	c.nextNotice++
	c.notices = append(c.notices, Notice{ID: c.nextNotice, Kind: kind, Text: text, Retry: retry})
}

func (c *Controller) dropNotices(match func(Notice) bool) {
	kept := c.notices[:0]
	for _, n := range c.notices {
		if !match(n) {
			kept = append(kept, n)
		}
	}
	c.notices = kept
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
