package model

import "time"

// DeadLetterMessage represents a completion-queue message that exhausted its
// retries and was persisted for manual inspection.
type DeadLetterMessage struct {
	ID        string    `db:"id"`
	QueueName string    `db:"queue_name"`
	JobID     string    `db:"job_id"`
	Payload   string    `db:"payload"` // raw JSON of the original message
	Error     string    `db:"error"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
