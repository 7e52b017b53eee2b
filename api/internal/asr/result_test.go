package asr

import (
	"net/http"
	"strings"
	"testing"
)

func hdr(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   Outcome
	}{
		{
			name:   "non 2xx with message",
			status: 500,
			body:   `{"message":"quota exceeded"}`,
			want:   failed("quota exceeded"),
		},
		{
			name:   "non 2xx with error field",
			status: 401,
			body:   `{"error":"bad key"}`,
			want:   failed("bad key"),
		},
		{
			name:   "non 2xx plain body",
			status: 502,
			body:   "bad gateway",
			want:   failed("ASR query API returned status code 502: bad gateway"),
		},
		{
			name:   "non 2xx empty body",
			status: 503,
			want:   failed("ASR query API returned status code 503"),
		},
		{
			name:   "invalid json",
			status: 200,
			body:   "<html>",
			want:   failed("invalid JSON response from ASR query API: <html>"),
		},
		{
			name:   "error field beats header",
			status: 200,
			header: hdr(HeaderStatusCode, codeProcessing),
			body:   `{"error":"boom"}`,
			want:   failed("ASR task error: boom"),
		},
		{
			name:   "error field prefers message",
			status: 200,
			body:   `{"error":"code 7","message":"audio too long"}`,
			want:   failed("ASR task error: audio too long"),
		},
		{
			name:   "null error field",
			status: 200,
			body:   `{"error":null}`,
			want:   failed("ASR task error: Unknown error"),
		},
		{
			name:   "header processing",
			status: 200,
			header: hdr(HeaderStatusCode, codeProcessing),
			body:   `{"result":{"text":"partial"}}`,
			want:   processing(),
		},
		{
			name:   "header no valid speech",
			status: 200,
			header: hdr(HeaderStatusCode, codeNoValidSpeech),
			body:   `{}`,
			want:   completed(""),
		},
		{
			name:   "header success falls through to result",
			status: 200,
			header: hdr(HeaderStatusCode, codeSuccess),
			body:   `{"result":{"text":"hello"}}`,
			want:   completed("hello"),
		},
		{
			name:   "header unknown code with error message",
			status: 200,
			header: hdr(HeaderStatusCode, "45000001", HeaderMessage, "Invalid audio: decode Error"),
			body:   `{}`,
			want:   failed("ASR API error: Invalid audio: decode Error"),
		},
		{
			name:   "header unknown code with silence message",
			status: 200,
			header: hdr(HeaderStatusCode, "20000099", HeaderMessage, "audio is silence"),
			body:   `{}`,
			want:   completed(""),
		},
		{
			name:   "header unknown code with processing message",
			status: 200,
			header: hdr(HeaderStatusCode, "20000098", HeaderMessage, "still Processing"),
			body:   `{"result":{"text":"x"}}`,
			want:   processing(),
		},
		{
			name:   "header unknown code with neutral message",
			status: 200,
			header: hdr(HeaderStatusCode, "20000097", HeaderMessage, "ok"),
			body:   `{"result":{"text":"done"}}`,
			want:   completed("done"),
		},
		{
			name:   "status failed",
			status: 200,
			body:   `{"status":"failed","message":"bad audio"}`,
			want:   failed("ASR task failed: bad audio"),
		},
		{
			name:   "status error without message",
			status: 200,
			body:   `{"status":"error"}`,
			want:   failed("ASR task failed: Task failed"),
		},
		{
			name:   "status pending",
			status: 200,
			body:   `{"status":"pending","result":{"text":"x"}}`,
			want:   processing(),
		},
		{
			name:   "no result",
			status: 200,
			body:   `{}`,
			want:   processing(),
		},
		{
			name:   "empty body",
			status: 200,
			want:   processing(),
		},
		{
			name:   "utterances with speakers",
			status: 200,
			body: `{"result":{"utterances":[
				{"text":"hi","speaker_id":"1"},
				{"text":""},
				{"text":"there","additions":{"speaker":"2"}},
				{"text":"plain"}
			]}}`,
			want: completed("[Speaker 1] hi\n[Speaker 2] there\nplain"),
		},
		{
			name:   "numeric speaker",
			status: 200,
			body:   `{"result":{"utterances":[{"text":"a","speaker":3}]}}`,
			want:   completed("[Speaker 3] a"),
		},
		{
			name:   "empty utterances with audio info",
			status: 200,
			body:   `{"audio_info":{"duration":1200},"result":{"utterances":[]}}`,
			want:   completed(""),
		},
		{
			name:   "empty utterances without audio info",
			status: 200,
			body:   `{"result":{"utterances":[{"text":""}],"text":"ignored"}}`,
			want:   processing(),
		},
		{
			name:   "direct text",
			status: 200,
			body:   `{"result":{"text":"hello world"}}`,
			want:   completed("hello world"),
		},
		{
			name:   "empty text with audio info",
			status: 200,
			body:   `{"audio_info":{},"result":{"text":""}}`,
			want:   completed(""),
		},
		{
			name:   "empty text without audio info",
			status: 200,
			body:   `{"result":{"text":""}}`,
			want:   processing(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			got := Interpret(tt.status, h, []byte(tt.body))
			if got != tt.want {
				t.Fatalf("Interpret() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestInterpretTruncatesSnippet(t *testing.T) {
	body := strings.Repeat("x", 1000)
	got := Interpret(500, http.Header{}, []byte(body))
	if got.Kind != Failed {
		t.Fatalf("kind = %v, want failed", got.Kind)
	}
	if want := "ASR query API returned status code 500: " + strings.Repeat("x", snippetLen); got.Reason != want {
		t.Fatalf("reason length = %d, want %d", len(got.Reason), len(want))
	}
}

func TestInterpretIsPure(t *testing.T) {
	body := []byte(`{"result":{"text":"same"}}`)
	first := Interpret(200, http.Header{}, body)
	for i := 0; i < 3; i++ {
		if got := Interpret(200, http.Header{}, body); got != first {
			t.Fatalf("call %d = %+v, want %+v", i, got, first)
		}
	}
}
