package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type User struct {
	ID        string
	Name      string
	Email     string
	PlanID    string
	UsageJSON string // quota usage record stored as JSON
	CreatedAt time.Time
}

type Plan struct {
	ID           string
	Name         string
	FeaturesJSON string // JSON array of enabled feature names
	LimitsJSON   string // JSON object mapping feature name to numeric limit
}

type Chat struct {
	ID              string
	UserID          string
	ClassID         string
	Name            string
	Topic           string
	MessagesJSON    string // JSON array of {role, content}
	FilesJSON       string // JSON array of attachment file names
	TotalUploadedMB float64
	CreatedAt       time.Time
}

type Class struct {
	ID             string
	UserID         string
	Name           string
	TextbookStatus string // "none", "processing", "ready"
	TextbookJobID  string
	CreatedAt      time.Time
}

type Assignment struct {
	ID        string
	UserID    string
	File      []byte // the graded assignment PDF
	CreatedAt time.Time
}

type PrepItem struct {
	ID           string
	UserID       string
	Title        string
	Feedback     string
	ProblemsJSON string // JSON array of {question, solution: [steps]}
	CreatedAt    time.Time
}
