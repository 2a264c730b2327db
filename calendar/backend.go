package calendar

import (
	"context"
	"errors"
	"time"
)

// Typed failure reasons surfaced to the dispatcher. The dispatcher maps
// these onto the stable failure taxonomy; it never retries them.
var (
	ErrNotFound    = errors.New("appointment not found")
	ErrConflict    = errors.New("time slot conflict")
	ErrAuthExpired = errors.New("calendar authorization expired")
	ErrInvalid     = errors.New("invalid calendar request")
)

type Attendee struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Event struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Status      string     `json:"status,omitempty"`
	HTMLLink    string     `json:"html_link,omitempty"`
	Attendees   []Attendee `json:"attendees,omitempty"`
}

type Availability struct {
	Available bool     `json:"available"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Backend is the calendar collaborator. Every operation takes the resolved
// user identity as its first argument; nothing in a request body ever
// selects the calendar being operated on.
type Backend interface {
	CheckAvailability(ctx context.Context, userID int64, start, end time.Time) (Availability, error)
	CreateEvent(ctx context.Context, userID int64, summary, description string, start, end time.Time) (Event, error)
	RescheduleEvent(ctx context.Context, userID int64, originalStart, newStart, newEnd time.Time, reason string) (Event, error)
	CancelEvent(ctx context.Context, userID int64, start time.Time, reason string) (Event, error)
	EventDetails(ctx context.Context, userID int64, start, end time.Time, attendee string) ([]Event, error)
}
