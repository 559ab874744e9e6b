package dispatch

import (
	"time"

	"github.com/go-go-golems/speakpaint/pkg/generation"
)

type JobID uint64

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// IsTerminal reports whether the state can no longer change.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job is a point-in-time copy of one generation request.
type Job struct {
	ID     JobID              `json:"id"`
	Prompt string             `json:"prompt"`
	State  State              `json:"state"`
	Images []generation.Image `json:"images,omitempty"`
	Err    error              `json:"-"`
	Error  string             `json:"error,omitempty"`

	EnqueuedAt  time.Time `json:"enqueued_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	if j.Images != nil {
		c.Images = append([]generation.Image(nil), j.Images...)
	}
	return c
}

// Stats is a consistent snapshot of dispatcher counters. Pending and Running are current
// values; the rest only grow.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Published int64 `json:"published"`
}

// Selector picks the image to publish out of a successful result.
type Selector func(images []generation.Image) (generation.Image, bool)

// FirstImage publishes the first image and ignores the rest.
func FirstImage(images []generation.Image) (generation.Image, bool) {
	if len(images) == 0 {
		return generation.Image{}, false
	}
	return images[0], true
}
