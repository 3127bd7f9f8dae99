package queue

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a download item.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// transitions holds the allowed lifecycle edges. The scheduler is the only
// writer of StatusDownloading; everything else is driven by transfer outcomes
// or external commands.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusPaused, StatusFailed},
	StatusDownloading: {StatusVerifying, StatusCompleted, StatusFailed, StatusPaused},
	StatusVerifying:   {StatusCompleted, StatusFailed},
	StatusPaused:      {StatusQueued, StatusFailed},
	StatusFailed:      {StatusQueued},
	StatusCompleted:   {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// InFlight reports whether an item in this status occupies a worker slot.
func (s Status) InFlight() bool {
	return s == StatusDownloading || s == StatusVerifying
}

// Terminal reports whether the status ends the lifecycle without further
// scheduler involvement.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the edge from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// InvalidTransitionError is returned when a lifecycle move is not allowed.
type InvalidTransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("item %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// Checksum is the optional expected digest gating completion of an item.
type Checksum struct {
	Algorithm   string `json:"algorithm"`
	ExpectedHex string `json:"expectedHex"`
	Verified    bool   `json:"verified,omitempty"`
}

// Item is one requested transfer.
type Item struct {
	ID               int64     `json:"id"`
	URL              string    `json:"url"`
	OutputPath       string    `json:"outputPath"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"totalBytes"`
	Checksum         *Checksum `json:"checksum,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	LastError        string    `json:"lastError,omitempty"`
}

// NewItem builds a queued item. TotalBytes stays -1 until the server reports
// a Content-Length.
func NewItem(id int64, url, outputPath string, checksum *Checksum) *Item {
	now := time.Now().UTC()

	return &Item{
		ID:         id,
		URL:        url,
		OutputPath: outputPath,
		Status:     StatusQueued,
		TotalBytes: -1,
		Checksum:   checksum,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// PartialPath is the deterministic sibling path holding bytes received so far.
func (i *Item) PartialPath() string {
	return i.OutputPath + ".partial"
}

// Transition moves the item to the given status, enforcing the lifecycle
// edges. It touches UpdatedAt and clears LastError when the item goes back to
// queued.
func (i *Item) Transition(to Status) error {
	if !CanTransition(i.Status, to) {
		return &InvalidTransitionError{ID: i.ID, From: i.Status, To: to}
	}

	i.Status = to
	i.UpdatedAt = time.Now().UTC()

	if to == StatusQueued {
		i.LastError = ""
	}

	return nil
}

func (i *Item) clone() *Item {
	out := *i
	if i.Checksum != nil {
		cs := *i.Checksum
		out.Checksum = &cs
	}

	return &out
}
