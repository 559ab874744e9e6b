// Package app wires the conversation session, trigger policy, generation dispatcher, event
// bus and viewer hub into one running service.
package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/speakpaint/pkg/broadcast"
	"github.com/go-go-golems/speakpaint/pkg/config"
	"github.com/go-go-golems/speakpaint/pkg/dispatch"
	"github.com/go-go-golems/speakpaint/pkg/eventbus"
	"github.com/go-go-golems/speakpaint/pkg/generation"
	"github.com/go-go-golems/speakpaint/pkg/session"
	"github.com/go-go-golems/speakpaint/pkg/session/elevenlabs"
	"github.com/go-go-golems/speakpaint/pkg/session/replay"
	"github.com/go-go-golems/speakpaint/pkg/trigger"
)

const (
	shutdownTimeout = 5 * time.Second
	maxSayBytes     = 16 << 10
)

// errSessionEnded stops the errgroup when the process should exit with the session.
var errSessionEnded = errors.New("session ended")

// Overrides replace components built from settings. Zero fields are built normally.
type Overrides struct {
	Client    generation.Client
	Provider  session.Provider
	Extractor trigger.NounExtractor
}

type App struct {
	settings *config.Settings

	hub        *broadcast.Hub
	bus        *eventbus.Bus
	dispatcher *dispatch.Dispatcher
	controller *session.Controller

	mu     sync.Mutex
	result *session.Result
}

func New(ctx context.Context, s *config.Settings, o Overrides) (*App, error) {
	client := o.Client
	if client == nil {
		fc, err := generation.NewFalClient(generation.FalOptions{
			Key:          s.FalKey,
			QueueURL:     s.FalQueueURL,
			Model:        s.FalModel,
			FinetuneID:   s.FinetuneID,
			Strength:     &s.FinetuneStrength,
			PollInterval: s.PollInterval,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create generation client")
		}
		client = fc
	}

	provider := o.Provider
	if provider == nil {
		p, err := newProvider(s)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	policy, err := trigger.New(trigger.Settings{
		Policy:   s.Policy,
		MinWords: s.MinWords,
		Keywords: s.Keywords,
		MinNouns: s.MinNouns,
	}, o.Extractor)
	if err != nil {
		return nil, err
	}

	overflow, err := dispatch.ParseOverflow(s.Overflow)
	if err != nil {
		return nil, err
	}

	hello := broadcast.HelloEvent
	if s.SendTestImage {
		hello = broadcast.StaticHello(broadcast.DemoImageEvent())
	}
	hub := broadcast.NewHub(
		broadcast.WithSendBuffer(s.SendBuffer),
		broadcast.WithWriteTimeout(s.WriteTimeout),
		broadcast.WithHello(hello),
	)

	bus, err := eventbus.New(ctx, eventbus.Settings{
		RedisEnabled:  s.RedisEnabled,
		RedisAddr:     s.RedisAddr,
		RedisGroup:    s.RedisGroup,
		RedisConsumer: s.RedisConsumer,
		Topic:         s.Topic,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create event bus")
	}

	d := dispatch.New(client, bus,
		dispatch.WithMaxConcurrent(s.MaxConcurrent),
		dispatch.WithQueueSize(s.QueueSize),
		dispatch.WithOverflow(overflow),
		dispatch.WithJobTimeout(s.JobTimeout),
		dispatch.WithHistoryLimit(s.HistoryLimit),
	)

	return &App{
		settings:   s,
		hub:        hub,
		bus:        bus,
		dispatcher: d,
		controller: session.NewController(provider, policy, d, session.Options{PromptWindow: s.PromptWindow}),
	}, nil
}

func newProvider(s *config.Settings) (session.Provider, error) {
	switch s.Provider {
	case config.ProviderReplay:
		p, err := replay.Open(s.ReplayFile, replay.WithDelay(s.ReplayDelay))
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.ProviderElevenLabs, "":
		p, err := elevenlabs.New(elevenlabs.Options{AgentID: s.AgentID, APIKey: s.ElevenAPIKey})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown provider %q", s.Provider)
	}
}

// Handler serves the viewer socket and the inspection endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", broadcast.NewHandler(a.hub, broadcast.HandlerOptions{AllowedOrigins: a.settings.AllowedOrigins}))
	mux.HandleFunc("/api/jobs", a.handleJobs)
	mux.HandleFunc("/api/transcript", a.handleTranscript)
	mux.HandleFunc("/api/say", a.handleSay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves viewers on ln and runs the conversation until ctx ends, or until the session
// ends when ExitOnSessionEnd is set.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	defer func() {
		if err := a.bus.Close(); err != nil {
			log.Warn().Err(err).Str("component", "app").Msg("closing event bus")
		}
		a.hub.CloseAll()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.bus.Attach(runCtx, a.hub); err != nil {
		return errors.Wrap(err, "attach viewer hub")
	}
	a.dispatcher.Start(runCtx)

	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	eg, gctx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		log.Info().Str("component", "app").Str("addr", ln.Addr().String()).Msg("serving viewers")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	eg.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		err := a.runSession(gctx)
		if a.settings.ExitOnSessionEnd {
			if err != nil {
				return err
			}
			return errSessionEnded
		}
		return nil
	})

	err := eg.Wait()
	if errors.Is(err, errSessionEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) runSession(ctx context.Context) error {
	res, err := a.controller.Run(ctx)
	a.mu.Lock()
	a.result = res
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("component", "app").Msg("conversation session failed")
	}

	// the session is over; outstanding jobs get the drain timeout to finish
	drainCtx, cancel := context.WithTimeout(context.Background(), a.settings.DrainTimeout)
	defer cancel()
	if derr := a.dispatcher.Shutdown(drainCtx); derr != nil {
		log.Info().Err(derr).Str("component", "app").Msg("stopped outstanding generation jobs")
	}
	st := a.dispatcher.Stats()
	log.Info().Str("component", "app").
		Int64("submitted", st.Submitted).
		Int64("succeeded", st.Succeeded).
		Int64("failed", st.Failed).
		Int64("published", st.Published).
		Msg("generation summary")
	return err
}

// Result returns the finished session, or nil while it is still running.
func (a *App) Result() *session.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

type jobsResponse struct {
	Stats dispatch.Stats `json:"stats"`
	Jobs  []dispatch.Job `json:"jobs"`
}

func (a *App) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, jobsResponse{Stats: a.dispatcher.Stats(), Jobs: a.dispatcher.Jobs()})
}

type transcriptResponse struct {
	SessionID string   `json:"session_id,omitempty"`
	State     string   `json:"state"`
	Fragments []string `json:"fragments"`
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fragments := a.controller.Transcript()
	if fragments == nil {
		fragments = []string{}
	}
	writeJSON(w, transcriptResponse{
		SessionID: a.controller.SessionID(),
		State:     a.controller.State().String(),
		Fragments: fragments,
	})
}

type sayRequest struct {
	Text string `json:"text"`
}

// handleSay accepts typed user turns, as JSON {"text": ...} or a plain text body.
func (a *App) handleSay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSayBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	text := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req sayRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		text = req.Text
	}
	text = strings.TrimSpace(text)
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	if err := a.controller.Say(text); err != nil {
		if errors.Is(err, session.ErrNotActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Warn().Err(err).Str("component", "app").Msg("typed message failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, sayRequest{Text: text})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "app").Msg("writing json response")
	}
}
