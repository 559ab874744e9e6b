// Package elevenlabs connects a session to an ElevenLabs Conversational AI agent.
//
// Only conversation events are exchanged. Audio capture and playback stay outside the
// process; typed text can be injected with SendUserMessage.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/speakpaint/pkg/session"
)

const (
	DefaultAPIURL = "https://api.elevenlabs.io"
	DefaultWSURL  = "wss://api.elevenlabs.io"

	conversationPath = "/v1/convai/conversation"
	signedURLPath    = "/v1/convai/conversation/get_signed_url"

	closeGrace = 2 * time.Second
	writeWait  = 10 * time.Second
)

var ErrNotStarted = errors.New("elevenlabs: session not started")

// ClientTool runs a tool the agent asks the client to execute.
type ClientTool func(ctx context.Context, params map[string]any) (string, error)

type Options struct {
	AgentID string
	// APIKey is optional. With a key the provider requests a signed URL first.
	APIKey     string
	APIURL     string
	WSURL      string
	HTTPClient *http.Client
	// Tools are merged over DefaultTools.
	Tools map[string]ClientTool
}

// DefaultTools returns the tools every session registers.
func DefaultTools() map[string]ClientTool {
	return map[string]ClientTool{
		"get_current_datetime": func(context.Context, map[string]any) (string, error) {
			return time.Now().Format("2006-01-02 15:04:05"), nil
		},
	}
}

type Provider struct {
	opts  Options
	tools map[string]ClientTool
	log   zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu             sync.Mutex
	started        bool
	conversationID string
	handlers       session.Handlers

	toolCtx    context.Context
	toolCancel context.CancelFunc
	toolWG     sync.WaitGroup

	done    chan struct{}
	readErr error
}

var (
	_ session.Provider  = (*Provider)(nil)
	_ session.TextInput = (*Provider)(nil)
)

func New(opts Options) (*Provider, error) {
	if strings.TrimSpace(opts.AgentID) == "" {
		return nil, errors.New("elevenlabs: agent id is required")
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.WSURL == "" {
		opts.WSURL = DefaultWSURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	tools := DefaultTools()
	for name, tool := range opts.Tools {
		tools[name] = tool
	}
	return &Provider{
		opts:  opts,
		tools: tools,
		log:   log.With().Str("component", "elevenlabs").Str("agent_id", opts.AgentID).Logger(),
		done:  make(chan struct{}),
	}, nil
}

// Start opens the conversation socket and begins delivering events to h.
func (p *Provider) Start(ctx context.Context, h session.Handlers) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return session.ErrAlreadyStarted
	}
	p.started = true
	p.handlers = h
	p.mu.Unlock()

	wsURL, err := p.conversationURL(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.opts.HTTPClient.Timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "elevenlabs: dial conversation (status %d)", resp.StatusCode)
		}
		return errors.Wrap(err, "elevenlabs: dial conversation")
	}
	p.conn = conn
	p.toolCtx, p.toolCancel = context.WithCancel(context.Background())

	if err := p.send(map[string]any{"type": "conversation_initiation_client_data"}); err != nil {
		p.toolCancel()
		_ = conn.Close()
		return errors.Wrap(err, "elevenlabs: send initiation data")
	}
	p.log.Info().Msg("conversation socket connected")

	go p.readLoop()
	return nil
}

// Wait blocks until the remote side closes the conversation or ctx ends. Ending through ctx
// sends a close frame and is not reported as an error.
func (p *Provider) Wait(ctx context.Context) (string, error) {
	if p.conn == nil {
		return "", ErrNotStarted
	}

	var err error
	select {
	case <-p.done:
		err = p.readErr
	case <-ctx.Done():
		p.log.Info().Msg("ending conversation")
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(writeWait))
		p.writeMu.Unlock()
		select {
		case <-p.done:
		case <-time.After(closeGrace):
		}
	}

	p.toolCancel()
	_ = p.conn.Close()
	<-p.done
	p.toolWG.Wait()
	return p.ConversationID(), err
}

// SendUserMessage injects typed text as a user turn. The text also counts as a transcript
// fragment since the agent receives it in place of speech.
func (p *Provider) SendUserMessage(text string) error {
	if p.conn == nil {
		return ErrNotStarted
	}
	if err := p.send(map[string]any{"type": "user_message", "text": text}); err != nil {
		return errors.Wrap(err, "elevenlabs: send user message")
	}
	if h := p.handlers.OnUserTranscript; h != nil {
		h(text)
	}
	return nil
}

func (p *Provider) ConversationID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conversationID
}

func (p *Provider) conversationURL(ctx context.Context) (string, error) {
	if p.opts.APIKey == "" {
		return p.opts.WSURL + conversationPath + "?agent_id=" + url.QueryEscape(p.opts.AgentID), nil
	}

	u := p.opts.APIURL + signedURLPath + "?agent_id=" + url.QueryEscape(p.opts.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "elevenlabs: build signed url request")
	}
	req.Header.Set("xi-api-key", p.opts.APIKey)

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "elevenlabs: request signed url")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("elevenlabs: signed url request returned status %d", resp.StatusCode)
	}

	var body struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "elevenlabs: decode signed url response")
	}
	if body.SignedURL == "" {
		return "", errors.New("elevenlabs: signed url response is empty")
	}
	return body.SignedURL, nil
}

func (p *Provider) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

type serverEvent struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	Ping *struct {
		EventID json.Number `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call,omitempty"`
}

func (p *Provider) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				p.toolCtx.Err() == nil {
				p.readErr = errors.Wrap(err, "elevenlabs: read")
			}
			p.log.Debug().Err(err).Msg("conversation socket closed")
			return
		}

		var ev serverEvent
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&ev); err != nil {
			p.log.Warn().Err(err).Msg("dropping undecodable conversation event")
			continue
		}
		p.handle(&ev)
	}
}

func (p *Provider) handle(ev *serverEvent) {
	switch ev.Type {
	case "conversation_initiation_metadata":
		if ev.InitiationMetadata == nil {
			return
		}
		p.mu.Lock()
		p.conversationID = ev.InitiationMetadata.ConversationID
		p.mu.Unlock()
		p.log.Info().Str("conversation_id", ev.InitiationMetadata.ConversationID).Msg("conversation started")

	case "user_transcript":
		if ev.UserTranscription != nil && p.handlers.OnUserTranscript != nil {
			p.handlers.OnUserTranscript(ev.UserTranscription.UserTranscript)
		}

	case "agent_response":
		if ev.AgentResponse != nil && p.handlers.OnAgentResponse != nil {
			p.handlers.OnAgentResponse(ev.AgentResponse.AgentResponse)
		}

	case "ping":
		if ev.Ping == nil {
			return
		}
		if err := p.send(map[string]any{"type": "pong", "event_id": ev.Ping.EventID}); err != nil {
			p.log.Warn().Err(err).Msg("pong failed")
		}

	case "client_tool_call":
		if ev.ClientToolCall == nil {
			return
		}
		call := *ev.ClientToolCall
		p.toolWG.Add(1)
		go func() {
			defer p.toolWG.Done()
			p.runTool(call.ToolName, call.ToolCallID, call.Parameters)
		}()

	default:
		p.log.Debug().Str("type", ev.Type).Msg("ignoring conversation event")
	}
}

func (p *Provider) runTool(name, callID string, params map[string]any) {
	result, isError := "", false
	tool, ok := p.tools[name]
	if !ok {
		result, isError = "unknown client tool: "+name, true
	} else if out, err := tool(p.toolCtx, params); err != nil {
		result, isError = err.Error(), true
	} else {
		result = out
	}

	l := p.log.Debug()
	if isError {
		l = p.log.Warn()
	}
	l.Str("tool", name).Str("tool_call_id", callID).Bool("is_error", isError).Msg("client tool call")

	if p.toolCtx.Err() != nil {
		return
	}
	err := p.send(map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": callID,
		"result":       result,
		"is_error":     isError,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("tool_call_id", callID).Msg("client tool result not sent")
	}
}
