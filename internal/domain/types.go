package domain

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusMissed    Status = "missed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

type Task struct {
	ID          int64     `json:"id"`
	TargetID    string    `json:"chat_id"`
	TargetLabel string    `json:"chat_name"`
	Body        string    `json:"message"`
	ScheduledAt time.Time `json:"scheduled_time"`
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewTask is the input to a store insert.
type NewTask struct {
	TargetID    string
	TargetLabel string
	Body        string
	ScheduledAt time.Time
}

type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}
