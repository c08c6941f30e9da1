//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=../mocks/mock_chat.go -package=mocks
package conversation

import (
	"context"

	"github.com/p-blackswan/verichat/internal/models"
)

// HistoryFetcher loads the stored conversation with a partner.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, partnerID string) ([]models.Message, error)
}

// Persister stores an outgoing message and returns its confirmed form.
type Persister interface {
	PersistMessage(ctx context.Context, recipientID, content string) (models.Message, error)
}

// Emitter sends best-effort frames over the live channel.
type Emitter interface {
	Emit(kind models.EventKind, payload any)
}
