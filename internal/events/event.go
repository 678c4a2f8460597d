package events

import (
	"io"
	"strings"
	"time"

	"github.com/eventdesk/eventdesk-go/internal/query"
)

// Status is the server-computed lifecycle of an event.
type Status string

const (
	StatusOngoing   Status = "Ongoing"
	StatusCompleted Status = "Completed"
)

// Event is one record of the events collection. Details fetches return the
// same shape.
type Event struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
	Location     string    `json:"location"`
	Status       Status    `json:"status"`
	ThumbnailURL string    `json:"thumbnailUrl"`
}

// Upload is an optional file attached to a create/update call.
type Upload struct {
	Filename string
	Reader   io.Reader
}

// Input carries the mutable fields of an event for create and update calls.
type Input struct {
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Location  string
	Thumbnail *Upload
}

// Comparers returns the orderings for the sortable list columns.
func Comparers() map[string]query.CompareFunc[Event] {
	return map[string]query.CompareFunc[Event]{
		"name":      func(a, b Event) int { return strings.Compare(a.Name, b.Name) },
		"location":  func(a, b Event) int { return strings.Compare(a.Location, b.Location) },
		"startDate": func(a, b Event) int { return a.StartDate.Compare(b.StartDate) },
		"endDate":   func(a, b Event) int { return a.EndDate.Compare(b.EndDate) },
	}
}
