package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/you-humble/asrtask/api/internal/domain"
)

const defaultTimeout = 10 * time.Second

var audioContentTypes = []string{"audio", "video", "application/octet-stream"}

// Prober checks that an audio URL is reachable before it is handed to the
// recognition service.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

func New(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{client: client, timeout: timeout}
}

// Check returns the final URL after redirects. Errors wrap
// domain.ErrValidation and carry a reason suitable for the task record.
func (p *Prober) Check(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.do(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", invalid(transportReason(err))
	}
	resp.Body.Close()
	final := resp.Request.URL.String()

	switch resp.StatusCode {
	case http.StatusOK:
		if isAudioLike(resp.Header.Get("Content-Type")) {
			return final, nil
		}
	case http.StatusNotFound:
		return "", invalid("Audio file not found (404)")
	case http.StatusForbidden:
		return "", invalid("Access denied to audio file (403)")
	default:
		return "", invalid(fmt.Sprintf("Audio URL returned status code %d", resp.StatusCode))
	}

	// Some hosts answer HEAD with a generic content type; read the first
	// kilobyte to be sure the resource can actually be fetched.
	resp, err = p.do(ctx, http.MethodGet, final, http.Header{"Range": []string{"bytes=0-1023"}})
	if err != nil {
		return "", invalid(transportReason(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return "", invalid(fmt.Sprintf("Audio URL returned status code %d", resp.StatusCode))
	}
	return resp.Request.URL.String(), nil
}

func (p *Prober) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return p.client.Do(req)
}

func isAudioLike(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range audioContentTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

func transportReason(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "Timeout while accessing audio URL"
	case errors.As(err, &ne):
		return "Connection error while accessing audio URL"
	}
	return fmt.Sprintf("Error accessing audio URL: %v", err)
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, reason)
}
