// Package notify delivers rendered text to the messaging front-end. The
// outbound channel caps message size, so every implementation splits long
// texts into sequential parts before sending.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier is the outbound surface exposed to the task core. Push carries
// periodic status updates to a listener destination; Notify carries
// owner-addressed reports such as the crash-recovery replay. Delivery is
// at-least-once.
type Notifier interface {
	Push(listener, text string) error
	Notify(owner, text string) error
}

// Split breaks text into chunks of at most limit bytes, preferring line
// boundaries. A single line longer than the limit is hard-split.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var parts []string
	var buf strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if buf.Len() > 0 {
				parts = append(parts, buf.String())
				buf.Reset()
			}
			parts = append(parts, line[:limit])
			line = line[limit:]
		}
		// +1 for the newline separator
		if buf.Len() > 0 && buf.Len()+len(line)+1 > limit {
			parts = append(parts, buf.String())
			buf.Reset()
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

// Webhook posts messages to a front-end callback URL as JSON.
type Webhook struct {
	url    string
	limit  int
	client *http.Client
}

func NewWebhook(url string, limit int) *Webhook {
	return &Webhook{
		url:    url,
		limit:  limit,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookMessage struct {
	Target string `json:"target"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
}

func (w *Webhook) Push(listener, text string) error {
	return w.send(webhookMessage{Target: listener, Kind: "status"}, text)
}

func (w *Webhook) Notify(owner, text string) error {
	return w.send(webhookMessage{Target: owner, Kind: "recovery"}, text)
}

func (w *Webhook) send(msg webhookMessage, text string) error {
	for _, part := range Split(text, w.limit) {
		msg.Text = part
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(data))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %s", resp.Status)
		}
	}
	return nil
}

// LogNotifier writes messages to the process log. It is the fallback when
// no webhook URL is configured.
type LogNotifier struct {
	Logger *slog.Logger
	Limit  int
}

func (l *LogNotifier) Push(listener, text string) error {
	for _, part := range Split(text, l.Limit) {
		l.Logger.Info("status update", "listener", listener, "text", part)
	}
	return nil
}

func (l *LogNotifier) Notify(owner, text string) error {
	for _, part := range Split(text, l.Limit) {
		l.Logger.Info("owner notification", "owner", owner, "text", part)
	}
	return nil
}
