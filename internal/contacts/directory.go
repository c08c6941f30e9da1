// Package contacts loads the participants the user can talk to and splits
// them by role.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
)

const defaultCacheSize = 512

// Lister fetches the flat contact list from the backend.
type Lister interface {
	ListContacts(ctx context.Context, role models.Role) ([]models.Participant, error)
}

// Lists are the segmented contacts.
type Lists struct {
	Operators []models.Participant
	EndUsers  []models.Participant
}

// ByRole returns the list for role.
func (l Lists) ByRole(role models.Role) []models.Participant {
	if role == models.RoleOperator {
		return l.Operators
	}
	return l.EndUsers
}

// Segment drops self, entries without a usable id or role and repeated ids,
// then splits the rest into operators and end users sorted by name.
func Segment(all []models.Participant, selfID string) Lists {
	usable := lo.Filter(all, func(p models.Participant, _ int) bool {
		return p.ID != "" && p.ID != selfID && p.Role.Valid()
	})
	usable = lo.UniqBy(usable, func(p models.Participant) string { return p.ID })

	ops, users := lo.FilterReject(usable, func(p models.Participant, _ int) bool {
		return p.Role == models.RoleOperator
	})
	byName(ops)
	byName(users)
	return Lists{Operators: ops, EndUsers: users}
}

func byName(ps []models.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		return strings.ToLower(ps[i].Label()) < strings.ToLower(ps[j].Label())
	})
}

// Directory is the contact directory of one page. Apart from construction,
// every method must be called on the loop goroutine.
type Directory struct {
	loop    *runtime.Loop
	lister  Lister
	self    models.Participant
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	lists      Lists
	loaded     bool
	loading    bool
	generation uint64
	cache      *participantCache

	onChange []func(Lists)
	onError  []func(error)
	closed   bool
}

// New creates a Directory for self. Each load is bounded by timeout.
func New(self models.Participant, loop *runtime.Loop, lister Lister, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Directory {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Directory{
		loop:    loop,
		lister:  lister,
		self:    self,
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("component", "contacts").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		cache:   newParticipantCache(defaultCacheSize),
	}
	d.cache.put(self)
	return d
}

// OnChange registers fn to be called with every successfully loaded list.
func (d *Directory) OnChange(fn func(Lists)) { d.onChange = append(d.onChange, fn) }

// OnError registers fn to be called when a load fails.
func (d *Directory) OnError(fn func(error)) { d.onError = append(d.onError, fn) }

// Lists returns the last successfully loaded lists.
func (d *Directory) Lists() Lists {
	return Lists{
		Operators: append([]models.Participant(nil), d.lists.Operators...),
		EndUsers:  append([]models.Participant(nil), d.lists.EndUsers...),
	}
}

// Partners returns whom self converses with: operators talk to end users and
// end users talk to operators.
func (d *Directory) Partners() []models.Participant {
	return append([]models.Participant(nil), d.lists.ByRole(d.self.Role.Counterpart())...)
}

// Loaded reports whether any load has succeeded.
func (d *Directory) Loaded() bool { return d.loaded }

// Loading reports whether a load is in flight.
func (d *Directory) Loading() bool { return d.loading }

// Lookup resolves a participant id seen in any earlier load.
func (d *Directory) Lookup(id string) (models.Participant, bool) {
	return d.cache.get(id)
}

// Load fetches contacts for role in the background. On failure the previous
// lists are kept and OnError listeners are told. A newer Load supersedes an
// older one still in flight.
func (d *Directory) Load(role models.Role) {
	if d.closed {
		return
	}
	d.generation++
	gen := d.generation
	d.loading = true

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	runtime.Async(d.loop, ctx, func(ctx context.Context) ([]models.Participant, error) {
		return d.lister.ListContacts(ctx, role)
	}, func(all []models.Participant, err error) {
		cancel()
		if d.closed || gen != d.generation {
			d.metrics.RecordStale("contacts")
			return
		}
		d.loading = false

		if err != nil {
			d.metrics.RecordFetch("contacts", "error")
			if !errors.Is(err, perrors.ErrFetch) {
				err = fmt.Errorf("%w: listing contacts: %w", perrors.ErrFetch, perrors.Timeout(err))
			}
			d.metrics.RecordError(string(perrors.Classify(err)))
			d.logger.Warn().Err(err).Bool("retained", d.loaded).Msg("contact load failed")
			for _, fn := range d.onError {
				fn(err)
			}
			return
		}
		d.metrics.RecordFetch("contacts", "ok")

		d.lists = Segment(all, d.self.ID)
		d.loaded = true
		for _, p := range all {
			if p.ID != "" {
				d.cache.put(p)
			}
		}
		d.logger.Debug().
			Int("operators", len(d.lists.Operators)).
			Int("end_users", len(d.lists.EndUsers)).
			Msg("contacts loaded")
		lists := d.Lists()
		for _, fn := range d.onChange {
			fn(lists)
		}
	})
}

// Close abandons any in-flight load. Safe to call more than once.
func (d *Directory) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.loading = false
	d.cancel()
	d.onChange = nil
	d.onError = nil
}
