// Package page wires the chat components into one screen per role. A
// Controller owns its channel, directory, conversation store and typing
// signaler for as long as it is mounted, and releases all of them on Unmount.
package page

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/verichat/internal/channel"
	"github.com/p-blackswan/verichat/internal/contacts"
	"github.com/p-blackswan/verichat/internal/conversation"
	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
	"github.com/p-blackswan/verichat/internal/session"
	"github.com/p-blackswan/verichat/internal/typing"
)

// Credentials reads the persisted session.
type Credentials interface {
	Identity(ctx context.Context) (string, session.Identity, error)
}

// Channel is the live connection a Controller drives. *channel.Manager
// satisfies it.
type Channel interface {
	Open(credential string) error
	Subscribe(kind models.EventKind, h channel.Handler) channel.SubscriptionID
	Unsubscribe(kind models.EventKind, id channel.SubscriptionID)
	OnStateChange(fn func(channel.State))
	State() channel.State
	Emit(kind models.EventKind, payload any)
	Close()
}

// Deps are the collaborators injected into a Controller. The API client
// usually fills Contacts, History and Persister.
type Deps struct {
	Session   Credentials
	Channel   Channel
	Contacts  contacts.Lister
	History   conversation.HistoryFetcher
	Persister conversation.Persister
	Metrics   *metrics.Metrics
}

// Config holds the timings handed down to the components.
type Config struct {
	Conversation   conversation.Config
	Typing         typing.Config
	RequestTimeout time.Duration
	// Location decides day boundaries in the transcript. Nil means local time.
	Location *time.Location
}

// Controller is one chat page. Apart from construction, every method must be
// called on the loop goroutine; OnUpdate listeners run there too.
type Controller struct {
	role       models.Role
	autoSelect bool
	cfg        Config
	loop       *runtime.Loop
	deps       Deps
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	self      models.Participant
	directory *contacts.Directory
	store     *conversation.Store
	signaler  *typing.Signaler
	subs      map[models.EventKind]channel.SubscriptionID

	mounted      bool
	ready        bool
	closed       bool
	authRequired bool
	input        string
	notices      []Notice
	nextNotice   int
	listeners    []func(ViewState)
}

func newController(role models.Role, autoSelect bool, cfg Config, loop *runtime.Loop, deps Deps, logger zerolog.Logger) *Controller {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = conversation.DefaultConfig().RequestTimeout
	}
	if cfg.Conversation.RequestTimeout <= 0 {
		cfg.Conversation.RequestTimeout = cfg.RequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		role:       role,
		autoSelect: autoSelect,
		cfg:        cfg,
		loop:       loop,
		deps:       deps,
		logger:     logger.With().Str("component", "page").Str("role", string(role)).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[models.EventKind]channel.SubscriptionID),
	}
}

// Role returns the role this page is for.
func (c *Controller) Role() models.Role { return c.role }

// OnUpdate registers fn to be called with a fresh ViewState after every change.
func (c *Controller) OnUpdate(fn func(ViewState)) {
	c.listeners = append(c.listeners, fn)
}

// Mount reads the stored credential and, when it is usable, subscribes to the
// channel, opens it and loads contacts. Without a usable credential the page
// shows the auth-required state and nothing touches the network.
func (c *Controller) Mount(ctx context.Context) {
	if c.mounted || c.closed {
		return
	}
	c.mounted = true
	c.notify()

	type credential struct {
		raw      string
		identity session.Identity
	}
	runtime.Async(c.loop, ctx, func(ctx context.Context) (credential, error) {
		raw, ident, err := c.deps.Session.Identity(ctx)
		return credential{raw: raw, identity: ident}, err
	}, func(cred credential, err error) {
		if c.closed {
			return
		}
		if err != nil {
			c.requireAuth(err)
			return
		}
		if cred.identity.Self.Role != c.role {
			c.requireAuth(fmt.Errorf("%w: signed in as %s, this page is for %s",
				perrors.ErrAuthFailure, cred.identity.Self.Role, c.role))
			return
		}
		c.start(cred.raw, cred.identity.Self)
	})
}

func (c *Controller) start(credential string, self models.Participant) {
	c.self = self
	c.logger = c.logger.With().Str("self_id", self.ID).Logger()

	c.directory = contacts.New(self, c.loop, c.deps.Contacts, c.cfg.RequestTimeout, c.deps.Metrics, c.logger)
	c.directory.OnChange(c.onContacts)
	c.directory.OnError(func(err error) {
		c.onFailure(err, RetryContacts, "Could not load contacts.")
	})

	c.signaler = typing.New(c.cfg.Typing, c.loop, c.deps.Channel, c.logger)
	c.signaler.OnPeerChange(func(bool) { c.notify() })

	c.store = conversation.New(c.cfg.Conversation, c.loop, self, conversation.Deps{
		History:   c.deps.History,
		Persister: c.deps.Persister,
		Emitter:   c.deps.Channel,
		Metrics:   c.deps.Metrics,
	}, c.logger)
	c.store.OnChange(c.onConversation)
	c.store.OnError(func(err error) {
		c.onFailure(err, RetryConversation, "Could not refresh the conversation. Showing the last messages received.")
	})
	c.store.OnSend(c.onSendResult)
	c.store.OnSync(c.onSync)

	c.subs[models.EventMessageReceived] = c.deps.Channel.Subscribe(models.EventMessageReceived, c.onMessageFrame)
	c.subs[models.EventTypingChanged] = c.deps.Channel.Subscribe(models.EventTypingChanged, c.onTypingFrame)
	c.deps.Channel.OnStateChange(c.onChannelState)
	c.ready = true

	if err := c.deps.Channel.Open(credential); err != nil {
		// REST keeps working without the channel unless the credential itself
		// was refused.
		c.onFailure(err, RetryNone, err.Error())
		if c.authRequired {
			return
		}
	}
	c.directory.Load(self.Role)
	c.logger.Info().Msg("chat page mounted")
	c.notify()
}

// Unmount releases everything Mount acquired. Safe to call more than once and
// before Mount.
func (c *Controller) Unmount() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()

	if c.signaler != nil {
		c.signaler.Reset("")
	}
	if c.store != nil {
		c.store.Close()
	}
	if c.directory != nil {
		c.directory.Close()
	}
	for kind, id := range c.subs {
		c.deps.Channel.Unsubscribe(kind, id)
		delete(c.subs, kind)
	}
	c.deps.Channel.Close()
	c.ready = false
	c.logger.Info().Msg("chat page unmounted")
	c.notify()
	c.listeners = nil
}

// Select opens the conversation with partnerID. Typing toward the previous
// partner stops and the draft is discarded.
func (c *Controller) Select(partnerID string) error {
	if c.authRequired {
		return fmt.Errorf("%w: sign in again", perrors.ErrAuthRequired)
	}
	if !c.ready {
		return fmt.Errorf("%w: page is not ready", perrors.ErrValidation)
	}
	partner, ok := c.partner(partnerID)
	if !ok {
		return fmt.Errorf("%w: %s is not a contact", perrors.ErrValidation, partnerID)
	}
	if current, ok := c.store.Selected(); ok && current.ID == partner.ID {
		return nil
	}
	c.signaler.Reset(partner.ID)
	c.input = ""
	c.store.Select(partner)
	c.notify()
	return nil
}

func (c *Controller) partner(id string) (models.Participant, bool) {
	for _, p := range c.directory.Partners() {
		if p.ID == id {
			return p, true
		}
	}
	return models.Participant{}, false
}

// Type records the draft after a key press.
func (c *Controller) Type(content string) {
	if !c.ready {
		return
	}
	c.input = content
	c.signaler.Keystroke(content)
	c.notify()
}

// Submit sends content to the selected partner. The draft is cleared as soon
// as the pending row is shown; if the send later fails the text is kept in the
// failure notice instead.
func (c *Controller) Submit(content string) error {
	if c.authRequired {
		return fmt.Errorf("%w: sign in again", perrors.ErrAuthRequired)
	}
	if !c.ready {
		return fmt.Errorf("%w: page is not ready", perrors.ErrSend)
	}
	if _, err := c.store.Send(content); err != nil {
		if perrors.Classify(err) == perrors.KindValidation && !isBlank(content) {
			c.addNotice(perrors.KindValidation, err.Error(), RetryNone)
			c.notify()
		}
		return err
	}
	c.input = ""
	c.signaler.MessageSent()
	c.notify()
	return nil
}

// DismissNotice removes the notice with id.
func (c *Controller) DismissNotice(id int) {
	for i, n := range c.notices {
		if n.ID == id {
			c.notices = append(c.notices[:i], c.notices[i+1:]...)
			c.notify()
			return
		}
	}
}

// RetryContacts reloads the contact lists after a failure.
func (c *Controller) RetryContacts() {
	if !c.ready {
		return
	}
	c.dropNotices(func(n Notice) bool { return n.Retry == RetryContacts })
	c.directory.Load(c.self.Role)
	c.notify()
}

// RetryConversation re-fetches the selected conversation after a failure.
func (c *Controller) RetryConversation() {
	if !c.ready {
		return
	}
	c.dropNotices(func(n Notice) bool { return n.Retry == RetryConversation })
	c.store.Refresh()
	c.notify()
}

func (c *Controller) onContacts(contacts.Lists) {
	c.dropNotices(func(n Notice) bool { return n.Retry == RetryContacts })
	if c.autoSelect {
		if _, ok := c.store.Selected(); !ok {
			if partners := c.directory.Partners(); len(partners) > 0 {
				_ = c.Select(partners[0].ID)
				return
			}
		}
	}
	c.notify()
}

func (c *Controller) onConversation() {
	// Everything in the transcript is on screen once the page re-renders.
	c.store.MarkRead()
	c.notify()
}

// onSync clears a stale fetch failure once a later fetch gets through.
func (c *Controller) onSync() {
	before := len(c.notices)
	c.dropNotices(func(n Notice) bool { return n.Retry == RetryConversation })
	if len(c.notices) != before {
		c.notify()
	}
}

func (c *Controller) onSendResult(res conversation.SendResult) {
	if res.Err == nil {
		return
	}
	c.addNotice(perrors.KindSend, fmt.Sprintf("Message not sent: %q", res.Message.Content), RetryNone)
	c.notify()
}

// onFailure turns a component error into page state. Fetch failures become
// retryable notices and leave the loaded data alone.
func (c *Controller) onFailure(err error, retry Retry, text string) {
	kind := perrors.Classify(err)
	switch kind {
	case perrors.KindAuth:
		c.requireAuth(err)
		return
	case perrors.KindSend:
		// Reported with its content by onSendResult.
		return
	case perrors.KindFetch:
		c.addNotice(kind, text, retry)
	default:
		c.addNotice(kind, err.Error(), RetryNone)
	}
	c.notify()
}

func (c *Controller) onChannelState(s channel.State) {
	if c.closed {
		return
	}
	switch s {
	case channel.StateConnected:
		c.dropNotices(func(n Notice) bool { return n.Kind == perrors.KindConnection })
	case channel.StateFailed:
		c.addNotice(perrors.KindConnection, "Live updates are unavailable. Messages still refresh periodically.", RetryNone)
	case channel.StateAuthRequired:
		c.requireAuth(perrors.ErrAuthFailure)
		return
	}
	c.notify()
}

func (c *Controller) onMessageFrame(payload json.RawMessage) {
	var dto models.MessageDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		c.logger.Warn().Err(err).Msg("malformed message-received frame")
		return
	}
	m, err := dto.ToMessage()
	if err != nil {
		c.logger.Warn().Err(err).Msg("unusable message-received frame")
		return
	}
	if !m.Conversation.Has(c.self.ID) {
		return
	}
	c.store.Ingest(m)
}

func (c *Controller) onTypingFrame(payload json.RawMessage) {
	var p models.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("malformed typing-changed frame")
		return
	}
	c.signaler.HandleInbound(p)
}

func (c *Controller) requireAuth(err error) {
	c.logger.Warn().Err(err).Msg("credential unusable")
	if !c.authRequired {
		c.authRequired = true
		c.addNotice(perrors.KindAuth, "Sign in again with `verichat login`.", RetryNone)
	}
	c.suspend()
	c.notify()
}

// suspend stops everything that would keep using a refused credential. The
// page stays mounted; Unmount still releases the rest.
func (c *Controller) suspend() {
	if !c.ready {
		return
	}
	c.ready = false
	c.signaler.Reset("")
	c.store.Close()
	c.directory.Close()
	if c.deps.Channel.State() != channel.StateAuthRequired {
		c.deps.Channel.Close()
	}
	c.logger.Info().Msg("chat page suspended until sign-in")
}

func (c *Controller) notify() {
	if len(c.listeners) == 0 {
		return
	}
	v := c.View()
	for _, fn := range c.listeners {
		fn(v)
	}
}
