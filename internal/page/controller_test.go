package page

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/verichat/internal/channel"
	"github.com/p-blackswan/verichat/internal/conversation"
	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
	"github.com/p-blackswan/verichat/internal/session"
)

var (
	base  = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	op1   = models.Participant{ID: "op1", DisplayName: "Olga", Role: models.RoleOperator}
	op2   = models.Participant{ID: "op2", DisplayName: "Anna", Role: models.RoleOperator}
	userA = models.Participant{ID: "userA", DisplayName: "Alice", Role: models.RoleEndUser}
	userB = models.Participant{ID: "userB", DisplayName: "Bob", Role: models.RoleEndUser}
)

func confirmed(t *testing.T, id, from, to, content string, at time.Time) models.Message {
	t.Helper()
	m, err := models.MessageDTO{ID: id, SenderID: from, RecipientID: to, Content: content, CreatedAt: at}.ToMessage()
	require.NoError(t, err)
	return m
}

func startLoop(t *testing.T) *runtime.Loop {
	t.Helper()
	loop := runtime.New(runtime.DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(cancel)
	return loop
}

type fakeSession struct {
	raw   string
	ident session.Identity
	err   error
}

func (s *fakeSession) Identity(ctx context.Context) (string, session.Identity, error) {
	return s.raw, s.ident, s.err
}

// fakeChannel is only touched on the loop goroutine.
type fakeChannel struct {
	state     channel.State
	opened    []string
	openErr   error
	handlers  map[models.EventKind]map[channel.SubscriptionID]channel.Handler
	nextID    channel.SubscriptionID
	listeners []func(channel.State)
	emitted   []emitted
	closed    bool
}

type emitted struct {
	kind    models.EventKind
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:    channel.StateIdle,
		handlers: make(map[models.EventKind]map[channel.SubscriptionID]channel.Handler),
	}
}

func (c *fakeChannel) Open(credential string) error {
	c.opened = append(c.opened, credential)
	if c.openErr != nil {
		return c.openErr
	}
	c.setState(channel.StateConnected)
	return nil
}

func (c *fakeChannel) Subscribe(kind models.EventKind, h channel.Handler) channel.SubscriptionID {
	c.nextID++
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[channel.SubscriptionID]channel.Handler)
	}
	c.handlers[kind][c.nextID] = h
	return c.nextID
}

func (c *fakeChannel) Unsubscribe(kind models.EventKind, id channel.SubscriptionID) {
	delete(c.handlers[kind], id)
}

func (c *fakeChannel) OnStateChange(fn func(channel.State)) {
	c.listeners = append(c.listeners, fn)
}

func (c *fakeChannel) State() channel.State { return c.state }

func (c *fakeChannel) Emit(kind models.EventKind, payload any) {
	if c.state != channel.StateConnected {
		return
	}
	c.emitted = append(c.emitted, emitted{kind: kind, payload: payload})
}

func (c *fakeChannel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.setState(channel.StateClosed)
}

func (c *fakeChannel) setState(s channel.State) {
	c.state = s
	for _, fn := range c.listeners {
		fn(s)
	}
}

func (c *fakeChannel) subscriptions() int {
	n := 0
	for _, subs := range c.handlers {
		n += len(subs)
	}
	return n
}

func (c *fakeChannel) deliver(t *testing.T, kind models.EventKind, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	for _, h := range c.handlers[kind] {
		h(raw)
	}
}

func (c *fakeChannel) typingFrames() []models.TypingPayload {
	var out []models.TypingPayload
	for _, e := range c.emitted {
		if e.kind == models.EventTypingChanged {
			out = append(out, e.payload.(models.TypingPayload))
		}
	}
	return out
}

type fakeBackend struct {
	mu          sync.Mutex
	contacts    []models.Participant
	contactsErr error
	roles       []models.Role
	history     map[string][]models.Message
	historyErr  error
	fetched     []string
	persist     func(recipientID, content string) (models.Message, error)
	persisted   int
}

func (b *fakeBackend) ListContacts(ctx context.Context, role models.Role) ([]models.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles = append(b.roles, role)
	return b.contacts, b.contactsErr
}

func (b *fakeBackend) FetchHistory(ctx context.Context, partnerID string) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetched = append(b.fetched, partnerID)
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return b.history[partnerID], nil
}

func (b *fakeBackend) PersistMessage(ctx context.Context, recipientID, content string) (models.Message, error) {
	b.mu.Lock()
	b.persisted++
	fn := b.persist
	b.mu.Unlock()
	if fn == nil {
		return models.Message{}, errors.New("no persist configured")
	}
	return fn(recipientID, content)
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) calls() (contacts, history, persist int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.roles), len(b.fetched), b.persisted
}

type fixture struct {
	t       *testing.T
	loop    *runtime.Loop
	ctrl    *Controller
	channel *fakeChannel
	backend *fakeBackend
	session *fakeSession
	updates int
}

func identity(p models.Participant) *fakeSession {
	return &fakeSession{raw: "token-" + p.ID, ident: session.Identity{Self: p}}
}

func newFixture(t *testing.T, role models.Role, sess *fakeSession, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		loop:    startLoop(t),
		channel: newFakeChannel(),
		backend: &fakeBackend{history: map[string][]models.Message{}},
		session: sess,
	}
	cfg := Config{
		Conversation:   conversation.Config{PollInterval: time.Hour},
		RequestTimeout: time.Second,
		Location:       time.UTC,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.ctrl = NewController(role, cfg, f.loop, Deps{
		Session:   sess,
		Channel:   f.channel,
		Contacts:  f.backend,
		History:   f.backend,
		Persister: f.backend,
		Metrics:   metrics.New(),
	}, zerolog.Nop())
	f.do(func() { f.ctrl.OnUpdate(func(ViewState) { f.updates++ }) })
	t.Cleanup(func() { _ = f.loop.Do(context.Background(), f.ctrl.Unmount) })
	return f
}

func (f *fixture) do(fn func()) {
	f.t.Helper()
	require.NoError(f.t, f.loop.Do(context.Background(), fn))
}

func (f *fixture) view() ViewState {
	var v ViewState
	f.do(func() { v = f.ctrl.View() })
	return v
}

func (f *fixture) waitFor(cond func(v ViewState) bool, msg string) ViewState {
	f.t.Helper()
	var v ViewState
	require.Eventually(f.t, func() bool {
		v = f.view()
		return cond(v)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return v
}

func (f *fixture) mount() ViewState {
	f.t.Helper()
	f.do(func() { f.ctrl.Mount(context.Background()) })
	return f.waitFor(func(v ViewState) bool { return v.Ready || v.AuthRequired }, "mount settles")
}

func (f *fixture) mountWithContacts(list ...models.Participant) {
	f.t.Helper()
	f.backend.set(func(b *fakeBackend) { b.contacts = list })
	f.mount()
	f.waitFor(func(v ViewState) bool { return !v.ContactsLoading && len(v.Partners) > 0 }, "contacts load")
}

func (f *fixture) selectPartner(id string) {
	f.t.Helper()
	var err error
	f.do(func() { err = f.ctrl.Select(id) })
	require.NoError(f.t, err)
	f.waitFor(func(v ViewState) bool { return v.HasSelected && !v.LastSync.IsZero() }, "history loads")
}

func fastPoll(cfg *Config) {
	cfg.Conversation.PollInterval = 20 * time.Millisecond
}

func kinds(v ViewState) []perrors.Kind {
	var out []perrors.Kind
	for _, n := range v.Notices {
		out = append(out, n.Kind)
	}
	return out
}

func TestMount_MissingCredentialTouchesNothing(t *testing.T) {
	f := newFixture(t, models.RoleOperator, &fakeSession{err: perrors.ErrAuthRequired})

	v := f.mount()
	assert.True(t, v.AuthRequired)
	assert.False(t, v.Ready)
	assert.Equal(t, []perrors.Kind{perrors.KindAuth}, kinds(v))

	f.do(func() {
		assert.Empty(t, f.channel.opened)
		assert.Zero(t, f.channel.subscriptions())
	})
	contacts, history, persist := f.backend.calls()
	assert.Zero(t, contacts+history+persist)
}

func TestMount_WrongRoleRequiresAuth(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(userA))

	v := f.mount()
	assert.True(t, v.AuthRequired)
	f.do(func() { assert.Empty(t, f.channel.opened) })
}

func TestMount_OpensChannelAndLoadsContacts(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(op1, op2, userB, userA)

	v := f.view()
	assert.Equal(t, op1, v.Self)
	assert.Equal(t, []models.Participant{userA, userB}, v.Partners)
	assert.Equal(t, channel.StateConnected, v.Connection)
	assert.False(t, v.Degraded)
	assert.False(t, v.HasSelected)

	f.do(func() {
		assert.Equal(t, []string{"token-op1"}, f.channel.opened)
		assert.Equal(t, 2, f.channel.subscriptions())
	})
	f.backend.set(func(b *fakeBackend) {
		assert.Equal(t, []models.Role{models.RoleOperator}, b.roles)
	})
}

func TestMount_TwiceIsNoop(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)
	f.do(func() { f.ctrl.Mount(context.Background()) })

	f.do(func() { assert.Len(t, f.channel.opened, 1) })
}

func TestController_ExampleScenario(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	release := make(chan struct{})
	f.backend.set(func(b *fakeBackend) {
		b.persist = func(recipientID, content string) (models.Message, error) {
			<-release
			return models.MessageDTO{ID: "m1", SenderID: "op1", RecipientID: recipientID, Content: content, CreatedAt: base}.ToMessage()
		}
	})
	f.mountWithContacts(op1, userA)
	f.selectPartner("userA")

	f.do(func() {
		f.ctrl.Type("hello")
		require.NoError(t, f.ctrl.Submit("hello"))
		v := f.ctrl.View()
		assert.Equal(t, "", v.Input)
		assert.Equal(t, 1, v.Pending)
		require.Len(t, v.Entries, 2)
		assert.True(t, v.Entries[0].IsSeparator())
		assert.Equal(t, "hello", v.Entries[1].Message.Content)
		assert.True(t, v.Entries[1].Message.IsPending())
	})
	close(release)

	v := f.waitFor(func(v ViewState) bool { return v.Pending == 0 }, "send confirms")
	require.Len(t, v.Entries, 2)
	msg := v.Entries[1].Message
	id, ok := msg.ConfirmedID()
	assert.True(t, ok)
	assert.Equal(t, "m1", id)
	assert.Equal(t, models.StateConfirmed, msg.State)
	assert.Equal(t, 1, v.Messages)
	assert.Empty(t, v.Notices)

	f.do(func() {
		frames := f.channel.typingFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, models.TypingPayload{RecipientID: "userA", IsTyping: true}, frames[0])
		assert.Equal(t, models.TypingPayload{RecipientID: "userA", IsTyping: false}, frames[1])
	})
}

func TestController_SendFailureKeepsTextInNotice(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.persist = func(string, string) (models.Message, error) {
			return models.Message{}, perrors.NewAPIError("chat", 500, "boom")
		}
	})
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.do(func() { require.NoError(t, f.ctrl.Submit("are you there?")) })

	v := f.waitFor(func(v ViewState) bool { return len(v.Notices) > 0 }, "send failure surfaces")
	assert.Zero(t, v.Messages)
	assert.Zero(t, v.Pending)
	require.Len(t, v.Notices, 1)
	assert.Equal(t, perrors.KindSend, v.Notices[0].Kind)
	assert.Contains(t, v.Notices[0].Text, "are you there?")
}

func TestController_BlankSubmitDoesNothing(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.do(func() {
		f.ctrl.Type("   ")
		err := f.ctrl.Submit("   ")
		assert.ErrorIs(t, err, perrors.ErrValidation)
		v := f.ctrl.View()
		assert.Equal(t, "   ", v.Input)
		assert.Empty(t, v.Notices)
		assert.Zero(t, v.Messages)
	})
	_, _, persist := f.backend.calls()
	assert.Zero(t, persist)
}

func TestController_SelectUnknownPartner(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA, op2)

	f.do(func() {
		assert.ErrorIs(t, f.ctrl.Select("op2"), perrors.ErrValidation)
		assert.ErrorIs(t, f.ctrl.Select("nobody"), perrors.ErrValidation)
	})
}

func TestController_PushedMessages(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA, userB)
	f.selectPartner("userA")

	dto := models.MessageDTO{ID: "m7", SenderID: "userA", RecipientID: "op1", Content: "hi", CreatedAt: base}
	f.do(func() {
		f.channel.deliver(t, models.EventMessageReceived, dto)
		f.channel.deliver(t, models.EventMessageReceived, dto)
		f.channel.deliver(t, models.EventMessageReceived, models.MessageDTO{ID: "m8", SenderID: "userB", RecipientID: "op1", Content: "other", CreatedAt: base})
		f.channel.deliver(t, models.EventMessageReceived, map[string]any{"content": "no id"})
		f.channel.deliver(t, models.EventMessageReceived, "garbage")
	})

	v := f.view()
	require.Equal(t, 1, v.Messages)
	assert.Equal(t, "hi", v.Entries[1].Message.Content)
	assert.True(t, v.Entries[1].Message.Read, "displayed inbound message is marked read")
}

func TestController_PeerTyping(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA, userB)
	f.selectPartner("userA")

	f.do(func() {
		f.channel.deliver(t, models.EventTypingChanged, models.TypingPayload{SenderID: "userB", IsTyping: true})
		assert.False(t, f.ctrl.View().PeerTyping)

		f.channel.deliver(t, models.EventTypingChanged, models.TypingPayload{SenderID: "userA", IsTyping: true})
		assert.True(t, f.ctrl.View().PeerTyping)
	})

	f.do(func() { require.NoError(t, f.ctrl.Select("userB")) })
	assert.False(t, f.view().PeerTyping, "peer flag belongs to the previous conversation")
}

func TestController_SwitchingPartnerStopsTyping(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA, userB)
	f.selectPartner("userA")

	f.do(func() {
		f.ctrl.Type("draft")
		require.NoError(t, f.ctrl.Select("userB"))
		assert.Equal(t, "", f.ctrl.View().Input)

		frames := f.channel.typingFrames()
		require.Len(t, frames, 2)
		assert.Equal(t, models.TypingPayload{RecipientID: "userA", IsTyping: false}, frames[1])
	})
	v := f.waitFor(func(v ViewState) bool { return v.Selected.ID == "userB" && !v.LastSync.IsZero() }, "userB loads")
	assert.Zero(t, v.Messages)
}

func TestController_HistoryFailureIsRetryable(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.historyErr = perrors.NewAPIError("chat", 503, "down")
	})
	f.mountWithContacts(userA)
	f.do(func() { require.NoError(t, f.ctrl.Select("userA")) })

	v := f.waitFor(func(v ViewState) bool { return len(v.Notices) > 0 }, "fetch failure surfaces")
	require.Len(t, v.Notices, 1)
	assert.Equal(t, perrors.KindFetch, v.Notices[0].Kind)
	assert.Equal(t, RetryConversation, v.Notices[0].Retry)
	assert.True(t, v.HasSelected)

	f.backend.set(func(b *fakeBackend) {
		b.historyErr = nil
		b.history["userA"] = []models.Message{confirmed(t, "m1", "userA", "op1", "hello", base)}
	})
	f.do(f.ctrl.RetryConversation)

	v = f.waitFor(func(v ViewState) bool { return v.Messages == 1 }, "retry loads history")
	assert.Empty(t, v.Notices)
}

func TestController_ContactFailureIsRetryable(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.contactsErr = perrors.NewAPIError("chat", 502, "bad gateway")
	})
	f.mount()

	v := f.waitFor(func(v ViewState) bool { return len(v.Notices) > 0 }, "contact failure surfaces")
	assert.Equal(t, RetryContacts, v.Notices[0].Retry)
	assert.Empty(t, v.Partners)

	f.backend.set(func(b *fakeBackend) {
		b.contactsErr = nil
		b.contacts = []models.Participant{userA}
	})
	f.do(f.ctrl.RetryContacts)

	v = f.waitFor(func(v ViewState) bool { return len(v.Partners) == 1 }, "retry loads contacts")
	assert.Empty(t, v.Notices)
}

func TestController_UnauthorizedFetchRequiresAuth(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.contactsErr = perrors.FromStatus("chat", 401, "expired")
	})
	f.mount()

	v := f.waitFor(func(v ViewState) bool { return v.AuthRequired }, "401 requires auth")
	assert.Equal(t, []perrors.Kind{perrors.KindAuth}, kinds(v))
}

func TestController_RefusedCredentialStopsRequests(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1), fastPoll)
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.backend.set(func(b *fakeBackend) {
		b.historyErr = perrors.FromStatus("chat", 401, "expired")
	})
	v := f.waitFor(func(v ViewState) bool { return v.AuthRequired }, "poll 401 requires auth")
	assert.False(t, v.Ready)
	contacts, history, _ := f.backend.calls()

	time.Sleep(150 * time.Millisecond)
	f.do(func() {
		assert.ErrorIs(t, f.ctrl.Select("userA"), perrors.ErrAuthRequired)
		assert.ErrorIs(t, f.ctrl.Submit("still there?"), perrors.ErrAuthRequired)
		f.ctrl.RetryConversation()
		f.ctrl.RetryContacts()
		assert.True(t, f.channel.closed)
	})
	time.Sleep(20 * time.Millisecond)

	c2, h2, persist := f.backend.calls()
	assert.Equal(t, history, h2, "no fetch after the credential was refused")
	assert.Equal(t, contacts, c2)
	assert.Zero(t, persist)
}

func TestController_ChannelAuthFailureStopsPolling(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1), fastPoll)
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.do(func() { f.channel.setState(channel.StateAuthRequired) })
	v := f.view()
	assert.True(t, v.AuthRequired)
	assert.Equal(t, channel.StateAuthRequired, v.Connection)
	// A fetch already on the wire may still reach the backend.
	time.Sleep(30 * time.Millisecond)
	_, history, _ := f.backend.calls()

	time.Sleep(100 * time.Millisecond)
	_, h2, _ := f.backend.calls()
	assert.Equal(t, history, h2)
}

func TestController_RecoveredPollClearsNotice(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1), fastPoll)
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.backend.set(func(b *fakeBackend) {
		b.historyErr = perrors.NewAPIError("chat", 503, "down")
	})
	f.waitFor(func(v ViewState) bool { return len(v.Notices) == 1 }, "poll failure surfaces")

	f.backend.set(func(b *fakeBackend) {
		b.historyErr = nil
		b.history["userA"] = []models.Message{confirmed(t, "m1", "userA", "op1", "back", base)}
	})
	v := f.waitFor(func(v ViewState) bool { return v.Messages == 1 && len(v.Notices) == 0 }, "next poll clears the notice")
	assert.False(t, v.AuthRequired)
}

func TestController_ReloadedContactsClearNotice(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)

	f.backend.set(func(b *fakeBackend) {
		b.contactsErr = perrors.NewAPIError("chat", 502, "bad gateway")
	})
	f.do(func() { f.ctrl.directory.Load(models.RoleOperator) })
	v := f.waitFor(func(v ViewState) bool { return len(v.Notices) == 1 }, "reload failure surfaces")
	assert.Equal(t, []models.Participant{userA}, v.Partners, "previous list retained")

	f.backend.set(func(b *fakeBackend) { b.contactsErr = nil })
	f.do(func() { f.ctrl.directory.Load(models.RoleOperator) })
	f.waitFor(func(v ViewState) bool { return len(v.Notices) == 0 }, "successful reload clears the notice")
}

func TestController_DepartedPartnerKeepsName(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.history["userA"] = []models.Message{
			confirmed(t, "m1", "userA", "op1", "hello", base),
			confirmed(t, "m2", "op1", "userA", "hi", base.Add(time.Minute)),
		}
	})
	f.mountWithContacts(userA, userB)
	f.selectPartner("userA")

	renamed := userA
	renamed.DisplayName = "Alicia"
	f.backend.set(func(b *fakeBackend) { b.contacts = []models.Participant{renamed, userB} })
	f.do(f.ctrl.RetryContacts)
	v := f.waitFor(func(v ViewState) bool { return v.Selected.DisplayName == "Alicia" }, "rename reaches the open conversation")
	assert.Equal(t, "Alicia", v.Senders["userA"].Label())

	f.backend.set(func(b *fakeBackend) { b.contacts = []models.Participant{userB} })
	f.do(f.ctrl.RetryContacts)
	v = f.waitFor(func(v ViewState) bool { return len(v.Partners) == 1 }, "userA leaves the contact list")

	assert.Equal(t, []models.Participant{userB}, v.Partners)
	assert.Equal(t, "userA", v.Selected.ID)
	assert.Equal(t, "Alicia", v.Selected.Label())
	assert.Equal(t, "Alicia", v.Senders["userA"].Label())
	assert.Equal(t, "Olga", v.Senders["op1"].Label())
}

func TestController_DegradedMode(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)

	f.do(func() { f.channel.setState(channel.StateDegraded) })
	v := f.view()
	assert.True(t, v.Degraded)
	assert.Empty(t, v.Notices)

	f.do(func() { f.channel.setState(channel.StateFailed) })
	v = f.view()
	assert.True(t, v.Degraded)
	assert.Equal(t, []perrors.Kind{perrors.KindConnection}, kinds(v))

	f.do(func() { f.channel.setState(channel.StateConnected) })
	v = f.view()
	assert.False(t, v.Degraded)
	assert.Empty(t, v.Notices)
}

func TestController_DegradedStillSends(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.persist = func(recipientID, content string) (models.Message, error) {
			return models.MessageDTO{ID: "m1", SenderID: "op1", RecipientID: recipientID, Content: content, CreatedAt: base}.ToMessage()
		}
	})
	f.mountWithContacts(userA)
	f.selectPartner("userA")

	f.do(func() {
		f.channel.setState(channel.StateFailed)
		require.NoError(t, f.ctrl.Submit("over REST"))
	})
	v := f.waitFor(func(v ViewState) bool { return v.Messages == 1 && v.Pending == 0 }, "send confirms without channel")
	assert.Equal(t, "over REST", v.Entries[1].Message.Content)
}

func TestController_ChannelOpenFailureKeepsREST(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.channel.openErr = perrors.ErrConnection
	f.mountWithContacts(userA)

	v := f.view()
	assert.False(t, v.AuthRequired)
	assert.Equal(t, []perrors.Kind{perrors.KindConnection}, kinds(v))
}

func TestController_EndUserOpensFirstOperator(t *testing.T) {
	f := newFixture(t, models.RoleEndUser, identity(userA))
	f.backend.set(func(b *fakeBackend) {
		b.contacts = []models.Participant{op1, op2, userA, userB}
	})
	f.mount()

	v := f.waitFor(func(v ViewState) bool { return v.HasSelected }, "end user auto-selects")
	assert.Equal(t, "op2", v.Selected.ID, "operators are sorted by name")
	assert.Equal(t, []models.Participant{op2, op1}, v.Partners)
}

func TestController_DismissNotice(t *testing.T) {
	f := newFixture(t, models.RoleOperator, &fakeSession{err: perrors.ErrAuthRequired})
	v := f.mount()
	require.Len(t, v.Notices, 1)

	f.do(func() {
		f.ctrl.DismissNotice(999)
		assert.Len(t, f.ctrl.View().Notices, 1)
		f.ctrl.DismissNotice(v.Notices[0].ID)
		assert.Empty(t, f.ctrl.View().Notices)
	})
}

func TestController_UnmountReleasesEverything(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)
	f.selectPartner("userA")
	f.do(func() { f.ctrl.Type("bye") })

	f.do(func() {
		f.ctrl.Unmount()
		f.ctrl.Unmount()

		assert.True(t, f.channel.closed)
		assert.Zero(t, f.channel.subscriptions())
		frames := f.channel.typingFrames()
		require.NotEmpty(t, frames)
		assert.False(t, frames[len(frames)-1].IsTyping)

		v := f.ctrl.View()
		assert.False(t, v.Mounted)
		assert.False(t, v.Ready)
		assert.ErrorIs(t, f.ctrl.Select("userA"), perrors.ErrValidation)
		assert.ErrorIs(t, f.ctrl.Submit("late"), perrors.ErrSend)
	})
}

func TestController_UnmountBeforeCredentialArrives(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.do(func() {
		f.ctrl.Mount(context.Background())
		f.ctrl.Unmount()
	})

	// Let the credential read land after Unmount.
	time.Sleep(20 * time.Millisecond)
	f.do(func() {
		assert.Empty(t, f.channel.opened)
		assert.Zero(t, f.channel.subscriptions())
		assert.True(t, f.channel.closed)
	})
}

func TestController_StatusSnapshot(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.backend.set(func(b *fakeBackend) {
		b.history["userA"] = []models.Message{
			confirmed(t, "m1", "userA", "op1", "one", base),
			confirmed(t, "m2", "op1", "userA", "two", base.Add(time.Minute)),
		}
	})
	f.mountWithContacts(userA, userB)
	f.selectPartner("userA")

	var snap = f.view()
	f.do(func() {
		s := f.ctrl.StatusSnapshot()
		assert.Equal(t, "operator", s.Role)
		assert.Equal(t, "op1", s.SelfID)
		assert.Equal(t, "connected", s.Connection)
		assert.Equal(t, 2, s.Contacts)
		assert.Equal(t, "userA", s.SelectedID)
		assert.Equal(t, 2, s.Messages)
		assert.Equal(t, snap.LastSync, s.LastSync)
	})
}

func TestController_UpdatesAreNotified(t *testing.T) {
	f := newFixture(t, models.RoleOperator, identity(op1))
	f.mountWithContacts(userA)

	var before int
	f.do(func() { before = f.updates })
	f.do(func() { f.ctrl.Type("x") })
	f.do(func() { assert.Greater(t, f.updates, before) })
}
