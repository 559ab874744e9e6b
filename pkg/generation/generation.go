// Package generation wraps the remote image generation backend.
//
// A Client turns one prompt into zero or more images. Intermediate backend log lines are
// reported through a ProgressFunc. Failures come back as *Error; nothing is retried here.
package generation

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type Image struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Result is the ordered list of images a call produced. It may be empty.
type Result struct {
	Images []Image `json:"images"`
}

// ProgressFunc receives human-readable progress lines while a call is in flight.
type ProgressFunc func(message string)

type Client interface {
	Generate(ctx context.Context, prompt string, progress ProgressFunc) (Result, error)
}

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindMalformed ErrorKind = "malformed"
	KindRemote    ErrorKind = "remote"
)

// Error is returned by every failed Generate call.
type Error struct {
	Op    string
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("generation %s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("generation %s: %s error: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err is a generation error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

func newError(op string, kind ErrorKind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// transportOrTimeout classifies a failed round trip.
func transportOrTimeout(ctx context.Context, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(op, KindTimeout, err)
	}
	return newError(op, KindTransport, err)
}
