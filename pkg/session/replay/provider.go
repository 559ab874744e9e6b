// Package replay feeds a recorded conversation into a session, one line per event.
//
// Lines prefixed with "agent:" are agent responses; every other non-empty line is a user
// transcript fragment. An optional "user:" prefix is stripped.
package replay

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/speakpaint/pkg/session"
)

const (
	agentPrefix = "agent:"
	userPrefix  = "user:"
)

type Provider struct {
	r     io.Reader
	delay time.Duration
	id    string

	started bool
	h       session.Handlers
}

var _ session.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithDelay pauses between lines so viewers see the conversation unfold.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

func New(r io.Reader, opts ...Option) *Provider {
	p := &Provider{r: r, id: "replay-" + uuid.NewString()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open reads the script from a file. The file is read fully so it can be closed right away.
func Open(path string, opts ...Option) (*Provider, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read replay file %s", path)
	}
	return New(strings.NewReader(string(b)), opts...), nil
}

func (p *Provider) Start(_ context.Context, h session.Handlers) error {
	if p.started {
		return session.ErrAlreadyStarted
	}
	p.started = true
	p.h = h
	return nil
}

// Wait delivers every line and returns the session id. A canceled ctx stops the replay
// early without an error.
func (p *Provider) Wait(ctx context.Context) (string, error) {
	if !p.started {
		return "", errors.New("replay: session not started")
	}
	l := log.With().Str("component", "replay").Str("session_id", p.id).Logger()

	sc := bufio.NewScanner(p.r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			l.Info().Int("lines", n).Msg("replay interrupted")
			return p.id, nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if n > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
				l.Info().Int("lines", n).Msg("replay interrupted")
				return p.id, nil
			case <-time.After(p.delay):
			}
		}
		n++
		p.deliver(line)
	}
	if err := sc.Err(); err != nil {
		return p.id, errors.Wrap(err, "read replay script")
	}
	l.Info().Int("lines", n).Msg("replay finished")
	return p.id, nil
}

func (p *Provider) deliver(line string) {
	lower := strings.ToLower(line)
	switch {
	case strings.HasPrefix(lower, agentPrefix):
		if p.h.OnAgentResponse != nil {
			p.h.OnAgentResponse(strings.TrimSpace(line[len(agentPrefix):]))
		}
	case strings.HasPrefix(lower, userPrefix):
		if p.h.OnUserTranscript != nil {
			p.h.OnUserTranscript(strings.TrimSpace(line[len(userPrefix):]))
		}
	default:
		if p.h.OnUserTranscript != nil {
			p.h.OnUserTranscript(line)
		}
	}
}
