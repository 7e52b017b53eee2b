package asr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		SubmitURL: srv.URL + "/submit",
		QueryURL:  srv.URL + "/query",
		APIKey:    "secret",
		Timeout:   2 * time.Second,
	}, srv.Client())
}

func TestSubmitSendsContract(t *testing.T) {
	var got submitRequest
	var headers http.Header
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("X-Api-Request-Id", "ext-1")
		w.Write([]byte(`{}`))
	})

	id, err := c.Submit(context.Background(), "https://cdn.example.com/a/b.WAV?sig=1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "ext-1" {
		t.Fatalf("id = %q, want ext-1", id)
	}
	if headers.Get("x-api-key") != "secret" {
		t.Fatalf("x-api-key = %q", headers.Get("x-api-key"))
	}
	if headers.Get("X-Api-Resource-Id") != defaultResourceID {
		t.Fatalf("resource id = %q", headers.Get("X-Api-Resource-Id"))
	}
	if headers.Get("X-Api-Sequence") != "-1" {
		t.Fatalf("sequence = %q", headers.Get("X-Api-Sequence"))
	}
	if got.Audio.Format != "wav" || got.Audio.Rate != 16000 || got.Audio.Codec != "raw" {
		t.Fatalf("audio = %+v", got.Audio)
	}
	if !got.Request.EnableSpeakerInfo || !got.Request.ShowUtterances || got.Request.ModelName != defaultModel {
		t.Fatalf("request options = %+v", got.Request)
	}
}

func TestSubmitHandleSources(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantID  string
		wantErr string
	}{
		{name: "body task id", body: `{"task_id":"from-body"}`, wantID: "from-body"},
		{name: "empty object uses request id", body: `{}`},
		{name: "error message", body: `{"message":"invalid url"}`, wantErr: "ASR API error: invalid url"},
		{name: "unusable body", body: `{"foo":1}`, wantErr: "failed to get task_id"},
		{name: "not json", body: `oops`, wantErr: "invalid JSON response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				sent = r.Header.Get("X-Api-Request-Id")
				io.WriteString(w, tt.body)
			})
			id, err := c.Submit(context.Background(), "https://example.com/a.mp3")
			if tt.wantErr != "" {
				if !errors.Is(err, domain.ErrSubmission) || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want submission error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			want := tt.wantID
			if want == "" {
				want = sent
			}
			if id != want {
				t.Fatalf("id = %q, want %q", id, want)
			}
		})
	}
}

func TestSubmitNon200(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":"key revoked"}`)
	})
	_, err := c.Submit(context.Background(), "https://example.com/a.mp3")
	if !errors.Is(err, domain.ErrSubmission) || !strings.Contains(err.Error(), "key revoked") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckUsesTaskIDAsRequestID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-Api-Request-Id") != "ext-9" {
			t.Errorf("request id = %q", r.Header.Get("X-Api-Request-Id"))
		}
		w.Header().Set(HeaderStatusCode, codeSuccess)
		io.WriteString(w, `{"audio_info":{"duration":1},"result":{"text":"hi"}}`)
	})
	out, err := c.Check(context.Background(), "ext-9")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if out != completed("hi") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCheckTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewClient(Config{QueryURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())
	out, err := c.Check(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if out.Kind != Failed || !out.Transient || out.Reason != "Timeout while querying ASR result" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCheckConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{QueryURL: url, Timeout: time.Second}, nil)
	out, err := c.Check(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if out.Kind != Failed || !out.Transient || !strings.HasPrefix(out.Reason, "Connection error while querying ASR result") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCheckEmptyID(t *testing.T) {
	c := NewClient(Config{}, nil)
	if _, err := c.Check(context.Background(), ""); err == nil {
		t.Fatal("Check(\"\") error = nil")
	}
}

func TestAudioFormat(t *testing.T) {
	cases := map[string]string{
		"https://x/a.mp3":         "mp3",
		"https://x/a.FLAC?x=.wav": "flac",
		"https://x/a.m4a":         "m4a",
		"https://x/a":             "mp3",
		"https://x/a.txt":         "mp3",
	}
	for in, want := range cases {
		if got := audioFormat(in); got != want {
			t.Errorf("audioFormat(%q) = %q, want %q", in, got, want)
		}
	}
}
