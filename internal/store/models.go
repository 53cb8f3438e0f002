// Package store persists practice texts and recorded takes in SQLite.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a text or take does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOwnerNotFound is returned when a take references a missing text.
	ErrOwnerNotFound = errors.New("owner text not found")
	// ErrTextInUse is returned when deleting a text that still owns takes.
	ErrTextInUse = errors.New("text still has takes")
	// ErrInvalidInput wraps validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// PracticeText is a unit of content to rehearse.
type PracticeText struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Content         string     `json:"content"`
	CreatedAt       time.Time  `json:"created_at"`
	PracticeCount   int        `json:"practice_count"`
	LastPracticedAt *time.Time `json:"last_practiced_at,omitempty"`
}

// Take is a single recorded attempt at a practice text.
type Take struct {
	ID              string    `json:"id"`
	FileRef         string    `json:"file_ref"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	TextID          string    `json:"text_id"`
}

// TakeQuery selects and orders takes by creation time.
type TakeQuery struct {
	// TextID limits the result to one text; empty lists every take.
	TextID    string
	Ascending bool
}

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
