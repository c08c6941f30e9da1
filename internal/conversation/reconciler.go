package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/metrics"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/runtime"
)

// SendResult is the authoritative outcome of one send. On success Message is
// the confirmed row; on failure it is the rolled-back pending row.
type SendResult struct {
	Message models.Message
	Err     error
}

type outgoing struct {
	SenderID    string `validate:"required"`
	RecipientID string `validate:"required,nefield=SenderID"`
	Content     string `validate:"required"`
}

// Reconciler implements the optimistic send: a pending row goes in at once,
// the frame and the persist call go out together, and the persist outcome
// either confirms the row in place or rolls it back.
type Reconciler struct {
	loop      *runtime.Loop
	persister Persister
	emitter   Emitter
	ids       *models.TempIDSource
	validate  *validator.Validate
	maxLen    int
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler. maxLen bounds content in characters and
// timeout bounds each persist call.
func NewReconciler(loop *runtime.Loop, persister Persister, emitter Emitter, maxLen int, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		loop:      loop,
		persister: persister,
		emitter:   emitter,
		ids:       models.NewTempIDSource(time.Now()),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		maxLen:    maxLen,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

// Validate checks an outgoing message before anything touches the network.
func (r *Reconciler) Validate(senderID, recipientID, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message is empty", perrors.ErrValidation)
	}
	err := r.validate.Struct(outgoing{SenderID: senderID, RecipientID: recipientID, Content: content})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %q", perrors.ErrValidation, fe.Field(), fe.Tag())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", perrors.ErrValidation, err)
	}
	if r.maxLen > 0 {
		if err := r.validate.Var(content, "max="+strconv.Itoa(r.maxLen)); err != nil {
			return fmt.Errorf("%w: message longer than %d characters", perrors.ErrValidation, r.maxLen)
		}
	}
	return nil
}

// Send validates content, inserts the pending row into t and dispatches it.
// done runs on the loop goroutine with the outcome. A validation error is
// returned synchronously and nothing is inserted or dispatched.
func (r *Reconciler) Send(ctx context.Context, t *Transcript, senderID, recipientID, content string, done func(SendResult)) (models.Message, error) {
	if err := r.Validate(senderID, recipientID, content); err != nil {
		r.metrics.RecordError(string(perrors.KindValidation))
		return models.Message{}, err
	}

	pending := models.NewPendingMessage(r.ids.Next(), senderID, recipientID, content, r.now())
	tempID, _ := pending.TempID()
	t.Insert(pending)

	r.emitter.Emit(models.EventSendMessage, models.SendMessagePayload{
		RecipientID: recipientID,
		Content:     content,
	})

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	runtime.Async(r.loop, ctx, func(ctx context.Context) (models.Message, error) {
		return r.persister.PersistMessage(ctx, recipientID, content)
	}, func(confirmed models.Message, err error) {
		cancel()
		took := time.Since(start).Seconds()

		if err != nil {
			t.Remove(tempID)
			r.metrics.RecordSend("failed", took)
			if !errors.Is(err, perrors.ErrSend) {
				err = fmt.Errorf("%w: %w", perrors.ErrSend, perrors.Timeout(err))
			}
			r.logger.Warn().Err(err).Str("temp_id", tempID).Str("recipient_id", recipientID).Msg("send rolled back")
			failed := pending
			failed.State = models.StateFailed
			done(SendResult{Message: failed, Err: err})
			return
		}

		switch t.Confirm(tempID, confirmed) {
		case confirmedDuplicate:
			r.metrics.RecordDuplicate("send")
			r.logger.Debug().Str("temp_id", tempID).Str("id", confirmed.Ref.String()).Msg("confirmed id already present, pending row dropped")
		case confirmedInserted:
			r.logger.Debug().Str("temp_id", tempID).Msg("pending row missing at confirmation")
		}
		r.metrics.RecordSend("confirmed", took)
		done(SendResult{Message: confirmed})
	})
	return pending, nil
}
