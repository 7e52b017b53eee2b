package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	defaultResourceID = "volc.seedasr.auc"
	defaultUID        = "asrtask"
	defaultModel      = "bigmodel"
	defaultTimeout    = 30 * time.Second

	maxResponseBytes = 8 << 20
)

type Config struct {
	SubmitURL  string
	QueryURL   string
	APIKey     string
	ResourceID string
	UID        string
	ModelName  string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.ResourceID == "" {
		cfg.ResourceID = defaultResourceID
	}
	if cfg.UID == "" {
		cfg.UID = defaultUID
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type submitRequest struct {
	User    submitUser    `json:"user"`
	Audio   submitAudio   `json:"audio"`
	Request submitOptions `json:"request"`
}

type submitUser struct {
	UID string `json:"uid"`
}

type submitAudio struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Codec   string `json:"codec"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

type submitOptions struct {
	ModelName            string `json:"model_name"`
	EnableITN            bool   `json:"enable_itn"`
	EnablePunc           bool   `json:"enable_punc"`
	EnableDDC            bool   `json:"enable_ddc"`
	EnableSpeakerInfo    bool   `json:"enable_speaker_info"`
	EnableChannelSplit   bool   `json:"enable_channel_split"`
	ShowUtterances       bool   `json:"show_utterances"`
	VADSegment           bool   `json:"vad_segment"`
	SensitiveWordsFilter string `json:"sensitive_words_filter"`
}

// Submit registers audioURL with the recognition service and returns the
// handle used by every later query. Errors wrap domain.ErrSubmission.
func (c *Client) Submit(ctx context.Context, audioURL string) (string, error) {
	requestID := uuid.NewString()

	payload, err := json.Marshal(submitRequest{
		User: submitUser{UID: c.cfg.UID},
		Audio: submitAudio{
			URL:     audioURL,
			Format:  audioFormat(audioURL),
			Codec:   "raw",
			Rate:    16000,
			Bits:    16,
			Channel: 1,
		},
		Request: submitOptions{
			ModelName:         c.cfg.ModelName,
			EnableITN:         true,
			EnableSpeakerInfo: true,
			ShowUtterances:    true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", domain.ErrSubmission, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	status, header, body, err := c.post(ctx, c.cfg.SubmitURL, requestID, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrSubmission, transportReason("submitting ASR task", err))
	}

	if status != http.StatusOK {
		return "", fmt.Errorf("%w: %s", domain.ErrSubmission, httpFailure("ASR API", status, body))
	}

	if id := header.Get("X-Api-Request-Id"); id != "" {
		return id, nil
	}

	trimmed := bytes.TrimSpace(body)
	if !gjson.ValidBytes(trimmed) {
		return "", fmt.Errorf("%w: invalid JSON response from ASR API: %s", domain.ErrSubmission, snippet(trimmed))
	}
	doc := gjson.ParseBytes(trimmed)
	if id := doc.Get("task_id"); id.Exists() && id.String() != "" {
		return id.String(), nil
	}
	if doc.IsObject() && len(doc.Map()) == 0 {
		return requestID, nil
	}
	if doc.Get("error").Exists() || doc.Get("message").Exists() {
		return "", fmt.Errorf("%w: ASR API error: %s", domain.ErrSubmission, firstString(doc, "Unknown error", "message", "error"))
	}
	return "", fmt.Errorf("%w: failed to get task_id from ASR API response", domain.ErrSubmission)
}

// Response is one raw answer of the query endpoint.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Query performs a single query call. A returned error is always a transport
// failure; HTTP-level failures come back as a Response.
func (c *Client) Query(ctx context.Context, taskID string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	status, header, body, err := c.post(ctx, c.cfg.QueryURL, taskID, []byte("{}"))
	if err != nil {
		return Response{}, err
	}
	return Response{Status: status, Header: header, Body: body}, nil
}

// Check queries taskID once and interprets the answer. Transport failures
// become transient Failed outcomes; the error is reserved for local faults.
func (c *Client) Check(ctx context.Context, taskID string) (Outcome, error) {
	if taskID == "" {
		return Outcome{}, errors.New("empty external task id")
	}
	resp, err := c.Query(ctx, taskID)
	if err != nil {
		var le *localError
		if errors.As(err, &le) {
			return Outcome{}, err
		}
		return transient(transportReason("querying ASR result", err)), nil
	}
	return Interpret(resp.Status, resp.Header, resp.Body), nil
}

// localError marks failures that happen before anything goes on the wire.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, endpoint, requestID string, payload []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, &localError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("X-Api-Resource-Id", c.cfg.ResourceID)
	req.Header.Set("X-Api-Request-Id", requestID)
	req.Header.Set("X-Api-Sequence", "-1")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transportReason(action string, err error) string {
	if IsTimeout(err) {
		return "Timeout while " + action
	}
	return fmt.Sprintf("Connection error while %s: %v", action, err)
}

var knownFormats = map[string]bool{
	"mp3": true, "wav": true, "ogg": true, "m4a": true, "flac": true, "aac": true, "pcm": true,
}

func audioFormat(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "mp3"
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if knownFormats[ext] {
		return ext
	}
	return "mp3"
}
