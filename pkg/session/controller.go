// Package session drives one conversation and turns its transcript into generation jobs.
//
// The Controller is a small state machine, Idle -> Active -> Ended. While active, every user
// transcript fragment is appended to the transcript log, evaluated by the trigger policy and,
// when it triggers, handed to the dispatcher, all in arrival order and without waiting on
// generation. Agent responses are only recorded.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/speakpaint/pkg/dispatch"
	"github.com/go-go-golems/speakpaint/pkg/transcript"
	"github.com/go-go-golems/speakpaint/pkg/trigger"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotActive      = errors.New("session is not active")
)

// Handlers are the callbacks a Provider invokes as conversation events arrive.
type Handlers struct {
	OnUserTranscript func(text string)
	OnAgentResponse  func(text string)
}

// Provider is the conversational session backend.
type Provider interface {
	// Start opens the session and begins delivering events to h.
	Start(ctx context.Context, h Handlers) error
	// Wait blocks until the session ends and returns its identifier.
	Wait(ctx context.Context) (string, error)
}

// TextInput is implemented by providers that accept typed user turns. The provider reports
// the text back through OnUserTranscript.
type TextInput interface {
	SendUserMessage(text string) error
}

// Dispatcher accepts prompts without blocking.
type Dispatcher interface {
	Dispatch(prompt string) (dispatch.JobID, error)
}

// Result is what a finished session leaves behind.
type Result struct {
	SessionID  string   `json:"session_id"`
	Transcript []string `json:"transcript"`
	Responses  []string `json:"responses"`
}

type Options struct {
	// PromptWindow is how many of the latest fragments make up a prompt. 1 uses the
	// triggering fragment alone.
	PromptWindow int
}

type Controller struct {
	provider   Provider
	policy     trigger.Policy
	dispatcher Dispatcher
	opts       Options

	transcript *transcript.Log
	responses  *transcript.Log

	mu        sync.Mutex
	state     State
	sessionID string
	// started is set once the provider's Start returned; typed input waits for it.
	started bool

	// handleMu serializes fragment handling so append, evaluate and dispatch keep arrival order.
	handleMu sync.Mutex
}

func NewController(provider Provider, policy trigger.Policy, dispatcher Dispatcher, opts Options) *Controller {
	if opts.PromptWindow < 1 {
		opts.PromptWindow = 1
	}
	return &Controller{
		provider:   provider,
		policy:     policy,
		dispatcher: dispatcher,
		opts:       opts,
		transcript: transcript.New(),
		responses:  transcript.New(),
	}
}

// Run starts the session and blocks until it ends. A Result is returned even when the
// provider fails, holding whatever was collected.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.state = StateActive
	c.mu.Unlock()

	log.Info().Str("component", "session").Str("policy", c.policy.Name()).Msg("starting conversation session")

	h := Handlers{
		OnUserTranscript: c.HandleUserTranscript,
		OnAgentResponse:  c.HandleAgentResponse,
	}
	var (
		id  string
		err error
	)
	if err = c.provider.Start(ctx, h); err != nil {
		err = errors.Wrap(err, "start session")
	} else {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		id, err = c.provider.Wait(ctx)
		if err != nil {
			err = errors.Wrap(err, "session ended with error")
		}
	}

	c.end(id)
	res := c.result()
	l := log.Info()
	if err != nil {
		l = log.Warn().Err(err)
	}
	l.Str("component", "session").
		Str("session_id", res.SessionID).
		Int("fragments", len(res.Transcript)).
		Strs("transcript", res.Transcript).
		Msg("conversation ended")
	return res, err
}

// HandleUserTranscript processes one recognized user fragment.
func (c *Controller) HandleUserTranscript(text string) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if c.State() != StateActive {
		log.Debug().Str("component", "session").Str("text", text).Msg("ignoring transcript outside active session")
		return
	}

	c.transcript.Append(text)
	log.Info().Str("component", "session").Str("text", text).Msg("user transcript")

	if !c.policy.Evaluate(text, c.transcript.Snapshot()) {
		return
	}
	prompt := text
	if c.opts.PromptWindow > 1 {
		prompt = strings.Join(c.transcript.Tail(c.opts.PromptWindow), " ")
	}
	id, err := c.dispatcher.Dispatch(prompt)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Uint64("job_id", uint64(id)).Msg("prompt not dispatched")
		return
	}
	log.Debug().Str("component", "session").Uint64("job_id", uint64(id)).Msg("image generation triggered")
}

// Say submits typed text as a user turn. Providers that accept text get it as a message
// to the agent; otherwise it is handled like a recognized fragment.
func (c *Controller) Say(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty user message")
	}
	c.mu.Lock()
	ready := c.state == StateActive && c.started
	c.mu.Unlock()
	if !ready {
		return ErrNotActive
	}
	if in, ok := c.provider.(TextInput); ok {
		return in.SendUserMessage(text)
	}
	c.HandleUserTranscript(text)
	return nil
}

func (c *Controller) HandleAgentResponse(text string) {
	if c.State() != StateActive {
		return
	}
	c.responses.Append(text)
	log.Info().Str("component", "session").Str("text", text).Msg("agent response")
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) Transcript() []string {
	return c.transcript.Snapshot()
}

func (c *Controller) end(id string) {
	// wait for an in-flight fragment so the final transcript is complete
	c.handleMu.Lock()
	c.mu.Lock()
	c.state = StateEnded
	c.started = false
	c.sessionID = id
	c.mu.Unlock()
	c.handleMu.Unlock()
}

func (c *Controller) result() *Result {
	return &Result{
		SessionID:  c.SessionID(),
		Transcript: c.transcript.Snapshot(),
		Responses:  c.responses.Snapshot(),
	}
}
