package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Receipt struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

// ReceiptStore remembers which recipient logs were already accepted by the
// transport, keyed by recipient log id.
type ReceiptStore interface {
	StoreReceipt(ctx context.Context, logID uuid.UUID, remoteMessageID string, sentAt time.Time) error
	LookupReceipt(ctx context.Context, logID uuid.UUID) (Receipt, bool, error)
}
