package models

import "time"

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type User struct {
	ID              int64
	ChatID          int64
	Username        string
	BalanceCredits  int
	ImageResolution string
	MaxImages       int
	IsAdmin         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Task is one generation request submitted to the remote provider. TaskUUID
// is the provider-issued id; Delivered flips to true exactly once, after which
// the row is immutable.
type Task struct {
	ID          int64
	UserID      int64
	TaskUUID    string
	Prompt      string
	Status      TaskStatus
	CreditsUsed int
	Seed        string
	Delivered   bool
	CreatedAt   time.Time
}

type Payment struct {
	ID              int64
	UserID          int64
	Provider        string
	ExtPaymentID    string
	Currency        string
	RubAmount       int
	Credits         int
	Status          string
	ConfirmationURL string
	RawPayload      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
