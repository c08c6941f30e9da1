package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	perrors "github.com/p-blackswan/verichat/internal/errors"
	"github.com/p-blackswan/verichat/internal/models"
)

// ListContacts returns every participant the current user may talk to. The
// role narrows the list on the backend; callers still segment it locally.
func (c *Client) ListContacts(ctx context.Context, role models.Role) ([]models.Participant, error) {
	path := "/api/chat/contacts"
	if role != "" {
		path += "?" + url.Values{"role": {string(role)}}.Encode()
	}

	var out []models.Participant
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("%w: listing contacts: %w", perrors.ErrFetch, err)
	}
	for i := range out {
		if out[i].Initials == "" {
			out[i].Initials = models.Initials(out[i].Label())
		}
	}
	return out, nil
}

// FetchHistory returns the conversation between the current user and
// partnerID, in whatever order the backend keeps it.
func (c *Client) FetchHistory(ctx context.Context, partnerID string) ([]models.Message, error) {
	var dtos []models.MessageDTO
	path := "/api/chat/messages/" + url.PathEscape(partnerID)
	if err := c.call(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, fmt.Errorf("%w: fetching history with %s: %w", perrors.ErrFetch, partnerID, err)
	}

	msgs := make([]models.Message, 0, len(dtos))
	for _, dto := range dtos {
		m, err := dto.ToMessage()
		if err != nil {
			c.logger.Warn().Err(err).Str("partner_id", partnerID).Msg("skipping malformed history entry")
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// PersistMessage stores a new message and returns its confirmed form.
func (c *Client) PersistMessage(ctx context.Context, recipientID, content string) (models.Message, error) {
	var dto models.MessageDTO
	in := models.SendMessagePayload{RecipientID: recipientID, Content: content}
	if err := c.call(ctx, http.MethodPost, "/api/chat/messages", in, &dto); err != nil {
		return models.Message{}, fmt.Errorf("%w: persisting message to %s: %w", perrors.ErrSend, recipientID, err)
	}

	m, err := dto.ToMessage()
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: backend confirmation: %v", perrors.ErrSend, err)
	}
	return m, nil
}
