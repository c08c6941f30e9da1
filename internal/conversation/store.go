// Package conversation owns the transcript of the selected conversation. It
// seeds it from history, re-syncs it on a fixed interval, merges channel
// pushes and delegates outgoing messages to the Reconciler. The merge is keyed
// by confirmed id, so a message arriving through several producers appears
// once, and rows are always ordered by creation time.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// Fetch kinds, used in logs and metrics.
const (
	fetchHistory = "history"
	fetchPoll    = "poll"
	fetchRefresh = "refresh"
)

// Config holds conversation timings and limits.
type Config struct {
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	MaxMessageLength int
}

// DefaultConfig returns a 10s poll, 15s request timeout and 4000 character limit.
func DefaultConfig() Config {
	return Config{
		PollInterval:     10 * time.Second,
		RequestTimeout:   15 * time.Second,
		MaxMessageLength: 4000,
	}
}

// Deps are the collaborators of a Store.
type Deps struct {
	History   HistoryFetcher
	Persister Persister
	Emitter   Emitter
	Metrics   *metrics.Metrics
}

// Store is the conversation store of one page. Apart from construction, every
// method must be called on the loop goroutine.
type Store struct {
	cfg        Config
	loop       *runtime.Loop
	history    HistoryFetcher
	reconciler *Reconciler
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	self       models.Participant
	partner    models.Participant
	transcript *Transcript // nil until a partner is selected
	lastSync   time.Time
	generation uint64
	poll       *runtime.Timer
	inflight   context.CancelFunc

	onChange []func()
	onError  []func(error)
	onSend   []func(SendResult)
	onSync   []func()
	closed   bool
}

// New creates a Store for self.
func New(cfg Config, loop *runtime.Loop, self models.Participant, deps Deps, logger zerolog.Logger) *Store {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cfg:        cfg,
		loop:       loop,
		history:    deps.History,
		reconciler: NewReconciler(loop, deps.Persister, deps.Emitter, cfg.MaxMessageLength, cfg.RequestTimeout, deps.Metrics, logger),
		metrics:    deps.Metrics,
		logger:     logger.With().Str("component", "conversation").Str("self_id", self.ID).Logger(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		self:       self,
	}
}

// OnChange registers fn to be called after every transcript mutation.
func (s *Store) OnChange(fn func()) { s.onChange = append(s.onChange, fn) }

// OnError registers fn to be called with fetch and send failures.
func (s *Store) OnError(fn func(error)) { s.onError = append(s.onError, fn) }

// OnSend registers fn to be called with the outcome of every send.
func (s *Store) OnSend(fn func(SendResult)) { s.onSend = append(s.onSend, fn) }

// OnSync registers fn to be called after every successful fetch, whether or
// not it added messages.
func (s *Store) OnSync(fn func()) { s.onSync = append(s.onSync, fn) }

// Selected returns the current partner, if any.
func (s *Store) Selected() (models.Participant, bool) {
	return s.partner, s.transcript != nil
}

// Snapshot returns a copy of the active conversation.
func (s *Store) Snapshot() (models.Conversation, bool) {
	if s.transcript == nil {
		return models.Conversation{}, false
	}
	return models.Conversation{
		Self:     s.self,
		Partner:  s.partner,
		Messages: s.transcript.Messages(),
		LastSync: s.lastSync,
	}, true
}

// Select makes partner the active conversation: the previous transcript is
// dropped, its poll stopped and its in-flight fetch abandoned, then history is
// fetched and polling starts. Selecting the active partner again is a no-op.
func (s *Store) Select(partner models.Participant) {
	if s.closed || partner.ID == "" {
		return
	}
	if s.transcript != nil && s.partner.ID == partner.ID {
		return
	}

	s.deactivate()
	s.generation++
	s.partner = partner
	s.transcript = newTranscript(models.NewConversationKey(s.self.ID, partner.ID))
	s.lastSync = time.Time{}
	s.logger.Debug().Str("partner_id", partner.ID).Uint64("generation", s.generation).Msg("conversation selected")
	s.changed()

	s.fetch(fetchHistory)
	s.poll = s.loop.Every(s.cfg.PollInterval, func() { s.fetch(fetchPoll) })
}

// Refresh re-fetches the active conversation now, e.g. after a failed fetch.
func (s *Store) Refresh() {
	if s.closed || s.transcript == nil {
		return
	}
	s.fetch(fetchRefresh)
}

func (s *Store) deactivate() {
	s.poll.Stop()
	s.poll = nil
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
	s.transcript = nil
	s.partner = models.Participant{}
}

// fetch loads history for the active conversation. The response is applied
// only if the same selection is still active when it arrives.
func (s *Store) fetch(kind string) {
	if s.inflight != nil {
		s.logger.Debug().Str("kind", kind).Msg("fetch already in flight, skipping")
		return
	}

	gen := s.generation
	transcript := s.transcript
	key := transcript.Key()
	partnerID := s.partner.ID

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	s.inflight = cancel

	runtime.Async(s.loop, ctx, func(ctx context.Context) ([]models.Message, error) {
		return s.history.FetchHistory(ctx, partnerID)
	}, func(msgs []models.Message, err error) {
		cancel()
		if s.closed || gen != s.generation || s.transcript != transcript || s.transcript.Key() != key {
			s.metrics.RecordStale(kind)
			s.logger.Debug().Str("kind", kind).Str("partner_id", partnerID).Msg("discarding response for a previous selection")
			return
		}
		s.inflight = nil

		if err != nil {
			s.metrics.RecordFetch(kind, "error")
			if !errors.Is(err, perrors.ErrFetch) {
				err = fmt.Errorf("%w: %s with %s: %w", perrors.ErrFetch, kind, partnerID, perrors.Timeout(err))
			}
			s.fail(err)
			return
		}
		s.metrics.RecordFetch(kind, "ok")

		added := s.merge(msgs, kind)
		s.lastSync = s.now()
		if added > 0 || kind == fetchHistory {
			s.changed()
		}
		for _, fn := range s.onSync {
			fn()
		}
	})
}

// merge adds every message of the active conversation that is not already
// present and returns how many were added.
func (s *Store) merge(msgs []models.Message, source string) int {
	added := 0
	for _, m := range msgs {
		if m.Conversation != s.transcript.Key() {
			s.logger.Warn().Str("source", source).Str("conversation", m.Conversation.String()).Msg("message outside the active conversation ignored")
			continue
		}
		if s.transcript.Insert(m) {
			added++
		} else {
			s.metrics.RecordDuplicate(source)
		}
	}
	return added
}

// Ingest merges a message pushed over the channel. Messages of other
// conversations and unconfirmed messages are ignored. Reports whether the
// transcript changed.
func (s *Store) Ingest(m models.Message) bool {
	if s.closed || s.transcript == nil {
		return false
	}
	if _, ok := m.ConfirmedID(); !ok {
		return false
	}
	if s.merge([]models.Message{m}, "push") == 0 {
		return false
	}
	s.changed()
	return true
}

// Send posts content to the active partner optimistically. The pending row is
// visible as soon as Send returns; OnSend listeners learn the outcome.
func (s *Store) Send(content string) (models.Message, error) {
	if s.closed {
		return models.Message{}, fmt.Errorf("%w: conversation closed", perrors.ErrSend)
	}
	if s.transcript == nil {
		return models.Message{}, fmt.Errorf("%w: no conversation selected", perrors.ErrValidation)
	}

	transcript := s.transcript
	pending, err := s.reconciler.Send(s.ctx, transcript, s.self.ID, s.partner.ID, content, func(res SendResult) {
		if s.closed {
			return
		}
		if transcript == s.transcript {
			s.changed()
		}
		if res.Err != nil {
			s.fail(res.Err)
		}
		for _, fn := range s.onSend {
			fn(res)
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	s.changed()
	return pending, nil
}

// MarkRead flags displayed inbound messages as read.
func (s *Store) MarkRead() int {
	if s.transcript == nil {
		return 0
	}
	n := s.transcript.MarkRead(s.self.ID)
	if n > 0 {
		s.changed()
	}
	return n
}

// Close stops polling, abandons in-flight requests and drops the transcript.
// Safe to call more than once.
func (s *Store) Close() {
	if s.closed {
		return
	}
	s.deactivate()
	s.closed = true
	s.cancel()
	s.onChange = nil
	s.onError = nil
	s.onSend = nil
	s.onSync = nil
}

func (s *Store) changed() {
	for _, fn := range s.onChange {
		fn()
	}
}

func (s *Store) fail(err error) {
	kind := perrors.Classify(err)
	s.metrics.RecordError(string(kind))
	s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("conversation error")
	for _, fn := range s.onError {
		fn(err)
	}
}
