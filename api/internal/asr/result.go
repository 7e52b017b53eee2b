package asr

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/you-humble/asrtask/api/internal/domain"

	"github.com/tidwall/gjson"
)

type Kind int

const (
	StillProcessing Kind = iota
	Completed
	Failed
)

func (k Kind) String() string {
	switch k {
	case StillProcessing:
		return "still_processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the meaning of one query response.
// Text is set for Completed and may be empty; Reason is set for Failed.
// Transient marks failures of the transport rather than of the task.
type Outcome struct {
	Kind      Kind
	Text      string
	Reason    string
	Transient bool
}

func processing() Outcome { return Outcome{Kind: StillProcessing} }

func completed(text string) Outcome { return Outcome{Kind: Completed, Text: text} }

func failed(reason string) Outcome { return Outcome{Kind: Failed, Reason: reason} }

func transient(reason string) Outcome {
	return Outcome{Kind: Failed, Reason: reason, Transient: true}
}

const (
	HeaderStatusCode = "X-Api-Status-Code"
	HeaderMessage    = "X-Api-Message"

	codeSuccess       = "20000000"
	codeProcessing    = "20000001"
	codeNoValidSpeech = "20000003"

	snippetLen = 200
)

// Interpret maps one raw query response to an Outcome.
//
// The service reports "finished, nothing recognized" and "not finished yet"
// with the same empty result unless audio_info is present, so the checks
// below run in a fixed order and must stay that way.
func Interpret(status int, header http.Header, body []byte) Outcome {
	if status < 200 || status > 299 {
		return failed(httpFailure("ASR query API", status, body))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return failed(fmt.Sprintf("invalid JSON response from ASR query API: %s", snippet(body)))
	}
	doc := gjson.ParseBytes(body)

	if doc.Get("error").Exists() {
		return failed("ASR task error: " + firstString(doc, "Unknown error", "message", "error"))
	}

	if out, ok := sideChannel(header); ok {
		return out
	}

	if st := doc.Get("status"); st.Exists() {
		switch st.String() {
		case "failed", "error":
			return failed("ASR task failed: " + firstString(doc, "Task failed", "message", "error"))
		case "processing", "pending":
			return processing()
		}
	}

	result := doc.Get("result")
	if !result.Exists() {
		return processing()
	}
	finished := doc.Get("audio_info").Exists()

	if utterances := result.Get("utterances"); utterances.IsArray() {
		if text := joinUtterances(utterances); text != "" {
			return completed(text)
		}
		if finished {
			return completed("")
		}
		return processing()
	}

	text := result.Get("text").String()
	switch {
	case text != "":
		return completed(text)
	case finished:
		return completed("")
	}
	return processing()
}

func sideChannel(header http.Header) (Outcome, bool) {
	code := strings.TrimSpace(header.Get(HeaderStatusCode))
	if code == "" {
		return Outcome{}, false
	}
	switch code {
	case codeProcessing:
		return processing(), true
	case codeNoValidSpeech:
		return completed(""), true
	case codeSuccess:
		return Outcome{}, false
	}

	msg := header.Get(HeaderMessage)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no valid speech"), strings.Contains(lower, "silence"):
		return completed(""), true
	case strings.Contains(lower, "error"), strings.Contains(lower, "fail"):
		return failed("ASR API error: " + msg), true
	case strings.Contains(lower, "processing"):
		return processing(), true
	}
	return Outcome{}, false
}

func joinUtterances(utterances gjson.Result) string {
	var parts []string
	utterances.ForEach(func(_, u gjson.Result) bool {
		text := u.Get("text").String()
		if text == "" {
			return true
		}
		if speaker := speakerOf(u); speaker != "" {
			text = fmt.Sprintf("[Speaker %s] %s", speaker, text)
		}
		parts = append(parts, text)
		return true
	})
	return strings.Join(parts, "\n")
}

func speakerOf(u gjson.Result) string {
	for _, path := range []string{"speaker_id", "speaker", "additions.speaker"} {
		v := u.Get(path)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			if v.Num != 0 {
				return v.Raw
			}
		}
	}
	return ""
}

func firstString(doc gjson.Result, fallback string, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := v.String(); s != "" {
				return s
			}
		}
	}
	return fallback
}

// httpFailure builds the reason for a non-2xx answer from the ASR API.
func httpFailure(api string, status int, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if gjson.ValidBytes(trimmed) {
		doc := gjson.ParseBytes(trimmed)
		if doc.IsObject() {
			if msg := firstString(doc, "", "message", "error"); msg != "" {
				return msg
			}
		}
	}
	if len(trimmed) == 0 {
		return fmt.Sprintf("%s returned status code %d", api, status)
	}
	return fmt.Sprintf("%s returned status code %d: %s", api, status, snippet(trimmed))
}

func snippet(b []byte) string {
	return domain.Truncate(string(b), snippetLen)
}
