package dispatch

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Overflow decides what happens when a prompt arrives and the queue is full.
type Overflow string

const (
	// DropOldest evicts the oldest queued job so the newest prompt still gets generated.
	DropOldest Overflow = "drop-oldest"
	// DropNewest rejects the incoming prompt.
	DropNewest Overflow = "drop-newest"
)

func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(strings.ToLower(strings.TrimSpace(s))) {
	case "", DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	default:
		return "", errors.Errorf("unknown overflow policy %q", s)
	}
}

const (
	DefaultMaxConcurrent = 4
	DefaultQueueSize     = 16
	DefaultJobTimeout    = 2 * time.Minute
	DefaultHistoryLimit  = 256
)

type options struct {
	maxConcurrent int
	queueSize     int
	overflow      Overflow
	jobTimeout    time.Duration
	historyLimit  int
	selector      Selector
}

func defaultOptions() options {
	return options{
		maxConcurrent: DefaultMaxConcurrent,
		queueSize:     DefaultQueueSize,
		overflow:      DropOldest,
		jobTimeout:    DefaultJobTimeout,
		historyLimit:  DefaultHistoryLimit,
		selector:      FirstImage,
	}
}

type Option func(*options)

func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithQueueSize bounds the number of jobs waiting for a worker. Zero or less means unbounded.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

func WithOverflow(p Overflow) Option {
	return func(o *options) {
		if p != "" {
			o.overflow = p
		}
	}
}

// WithJobTimeout bounds each generation call. Zero disables the deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(o *options) { o.jobTimeout = d }
}

func WithHistoryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historyLimit = n
		}
	}
}

func WithSelector(s Selector) Option {
	return func(o *options) {
		if s != nil {
			o.selector = s
		}
	}
}
