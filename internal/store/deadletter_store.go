package store

import (
	"context"
	"time"
)

// DeadLetter is a batch the pipeline gave up delivering.
type DeadLetter struct {
	ID       int64     `json:"id"`
	BatchID  string    `json:"batch_id"`
	SenderID string    `json:"sender_id"`
	Channel  string    `json:"channel"`
	ChatID   string    `json:"chat_id"`
	Events   int       `json:"events"`
	Payload  string    `json:"payload"` // JSON summary of the batch events (media bytes excluded)
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore persists dropped batches for later inspection or replay.
type DeadLetterStore interface {
	Record(ctx context.Context, dl DeadLetter) error
	// List returns the most recent dead letters first, at most limit (<= 0 means 50).
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
