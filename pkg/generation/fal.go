package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueURL     = "https://queue.fal.run"
	DefaultModel        = "fal-ai/flux-pro/v1.1-ultra-finetuned"
	DefaultStrength     = 0.5
	DefaultPollInterval = time.Second

	statusInQueue    = "IN_QUEUE"
	statusInProgress = "IN_PROGRESS"
	statusCompleted  = "COMPLETED"

	maxBodyBytes = 4 << 20
)

type FalOptions struct {
	Key          string
	QueueURL     string
	Model        string
	FinetuneID   string
	// Strength is sent as finetune_strength. Nil means DefaultStrength; zero is a valid value.
	Strength     *float64
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// FalClient talks to the fal.ai queue API: submit, poll status (with logs), fetch result.
type FalClient struct {
	opts FalOptions
	http *http.Client
}

func NewFalClient(opts FalOptions) (*FalClient, error) {
	if strings.TrimSpace(opts.Key) == "" {
		return nil, errors.New("fal client requires an API key")
	}
	if opts.QueueURL == "" {
		opts.QueueURL = DefaultQueueURL
	}
	opts.QueueURL = strings.TrimRight(opts.QueueURL, "/")
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Strength == nil {
		strength := DefaultStrength
		opts.Strength = &strength
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &FalClient{opts: opts, http: hc}, nil
}

type falArguments struct {
	Prompt           string  `json:"prompt"`
	FinetuneID       string  `json:"finetune_id"`
	FinetuneStrength float64 `json:"finetune_strength"`
}

type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falLog struct {
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type falStatus struct {
	Status        string   `json:"status"`
	QueuePosition *int     `json:"queue_position,omitempty"`
	Logs          []falLog `json:"logs"`
	Error         string   `json:"error,omitempty"`
}

type falResult struct {
	Images []struct {
		URL  string `json:"url"`
		Text string `json:"text,omitempty"`
	} `json:"images"`
	Prompt string `json:"prompt,omitempty"`
}

func (c *FalClient) Generate(ctx context.Context, prompt string, progress ProgressFunc) (Result, error) {
	sub, err := c.submit(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	reqLog := log.With().Str("component", "generation").Str("request_id", sub.RequestID).Logger()
	reqLog.Debug().Str("model", c.opts.Model).Msg("fal request queued")

	if err := c.waitCompleted(ctx, sub, progress); err != nil {
		return Result{}, err
	}

	var res falResult
	if err := c.doJSON(ctx, "result", http.MethodGet, sub.ResponseURL, nil, &res); err != nil {
		return Result{}, err
	}

	out := Result{Images: make([]Image, 0, len(res.Images))}
	for i, img := range res.Images {
		if img.URL == "" {
			return Result{}, newError("result", KindMalformed, errors.Errorf("image %d has no url", i))
		}
		text := img.Text
		if text == "" {
			text = res.Prompt
		}
		if text == "" {
			text = prompt
		}
		out.Images = append(out.Images, Image{URL: img.URL, Text: text})
	}
	reqLog.Debug().Int("images", len(out.Images)).Msg("fal request completed")
	return out, nil
}

func (c *FalClient) submit(ctx context.Context, prompt string) (*falSubmitResponse, error) {
	args := falArguments{
		Prompt:           prompt,
		FinetuneID:       c.opts.FinetuneID,
		FinetuneStrength: *c.opts.Strength,
	}
	var sub falSubmitResponse
	if err := c.doJSON(ctx, "submit", http.MethodPost, c.opts.QueueURL+"/"+c.opts.Model, args, &sub); err != nil {
		return nil, err
	}
	if sub.RequestID == "" {
		return nil, newError("submit", KindMalformed, errors.New("response has no request_id"))
	}
	base := c.opts.QueueURL + "/" + c.opts.Model + "/requests/" + url.PathEscape(sub.RequestID)
	if sub.StatusURL == "" {
		sub.StatusURL = base + "/status"
	}
	if sub.ResponseURL == "" {
		sub.ResponseURL = base
	}
	return &sub, nil
}

// waitCompleted polls the status endpoint until the request completes. Logs are cumulative
// on the backend, so only lines not seen before are forwarded.
func (c *FalClient) waitCompleted(ctx context.Context, sub *falSubmitResponse, progress ProgressFunc) error {
	statusURL, err := withQuery(sub.StatusURL, "logs", "1")
	if err != nil {
		return newError("status", KindMalformed, err)
	}

	seen := 0
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		var st falStatus
		if err := c.doJSON(ctx, "status", http.MethodGet, statusURL, nil, &st); err != nil {
			return err
		}
		if seen > len(st.Logs) {
			seen = 0
		}
		for _, l := range st.Logs[seen:] {
			if progress != nil && l.Message != "" {
				progress(l.Message)
			}
		}
		seen = len(st.Logs)

		if st.Error != "" {
			return newError("status", KindRemote, errors.New(st.Error))
		}
		switch st.Status {
		case statusCompleted:
			return nil
		case statusInQueue, statusInProgress:
		default:
			return newError("status", KindMalformed, errors.Errorf("unknown request status %q", st.Status))
		}

		select {
		case <-ctx.Done():
			return transportOrTimeout(ctx, "status", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *FalClient) doJSON(ctx context.Context, op, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return newError(op, KindMalformed, errors.Wrap(err, "marshal request"))
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return newError(op, KindTransport, errors.Wrap(err, "create request"))
	}
	req.Header.Set("Authorization", "Key "+c.opts.Key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportOrTimeout(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return transportOrTimeout(ctx, op, errors.Wrap(err, "read response"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newError(op, KindRemote, errors.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(op, KindMalformed, errors.Wrap(err, "decode response"))
	}
	return nil
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse url %q", raw)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
