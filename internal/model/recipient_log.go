package model

import (
	"time"

	"github.com/google/uuid"
)

type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSending LogStatus = "sending"
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

func (s LogStatus) Valid() bool {
	switch s {
	case LogPending, LogSending, LogSuccess, LogFailed:
		return true
	}
	return false
}

// Recipient is one resolved audience member with denormalized display fields.
type Recipient struct {
	CustomerID string
	Address    string
	Name       string
	Company    string
	Country    string
	Priority   int
}

// RecipientLog is one recipient's delivery record inside a task. Subject and
// Body are rendered at creation time.
type RecipientLog struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Seq       int
	Recipient Recipient
	Subject   string
	Body      string

	Status       LogStatus
	RetryCount   int
	ErrorCode    *string
	ErrorMessage *string
	SentAt       *time.Time
	CreatedAt    time.Time
}

type LogFilter struct {
	TaskID uuid.UUID
	Status LogStatus
	Limit  int
	Offset int
}
