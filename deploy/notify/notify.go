// Package notify sends deploy notifications to chat webhooks and EventBridge.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	Success Type = "success"
	Error   Type = "error"
	Warning Type = "warning"
	Info    Type = "info"
	Deploy  Type = "deploy"
)

func (t Type) emoji() string {
	switch t {
	case Success:
		return "✅"
	case Error:
		return "❌"
	case Warning:
		return "⚠️"
	case Info:
		return "ℹ️"
	case Deploy:
		return "🚀"
	}
	return "📢"
}

// color is the hex RGB color without the leading '#'.
func (t Type) color() string {
	switch t {
	case Success:
		return "00ff00"
	case Error:
		return "ff0000"
	case Warning:
		return "ffaa00"
	case Info:
		return "0099ff"
	case Deploy:
		return "9900ff"
	}
	return "cccccc"
}

type Message struct {
	Type  Type
	Title string
	Text  string
	Time  time.Time
}

type Notifier interface {
	// Notify reports whether the sink accepted the message. A sink that is
	// not configured returns false and no error.
	Notify(ctx context.Context, m Message) (bool, error)
}

// Multi fans a message out to every notifier concurrently.
type Multi struct {
	Notifiers []Notifier
	Logger    *zap.Logger
}

// Notify reports whether at least one sink accepted the message. Sink
// errors are logged and joined.
func (m Multi) Notify(ctx context.Context, msg Message) (bool, error) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent bool
		errs []error
	)
	for _, n := range m.Notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			ok, err := n.Notify(ctx, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("notification failed", zap.String("title", msg.Title), zap.Error(err))
				errs = append(errs, err)
			}
			sent = sent || ok
		}(n)
	}
	wg.Wait()
	return sent, errors.Join(errs...)
}

func postJSON(ctx context.Context, hc *http.Client, url string, payload any) (int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

func httpClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type Slack struct {
	WebhookURL  string
	Environment string
	HTTPClient  *http.Client
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s Slack) Notify(ctx context.Context, m Message) (bool, error) {
	if s.WebhookURL == "" {
		return false, nil
	}
	env := s.Environment
	if env == "" {
		env = "Production"
	}
	p := slackPayload{
		Text: fmt.Sprintf("%s *%s*", m.Type.emoji(), m.Title),
		Attachments: []slackAttachment{{
			Color: "#" + m.Type.color(),
			Fields: []slackField{
				{Title: "Message", Value: m.Text},
				{Title: "Time", Value: m.Time.Format(time.RFC3339), Short: true},
				{Title: "Environment", Value: env, Short: true},
			},
		}},
	}
	code, err := postJSON(ctx, httpClient(s.HTTPClient), s.WebhookURL, p)
	if err != nil {
		return false, fmt.Errorf("slack: %w", err)
	}
	if code != http.StatusOK {
		return false, fmt.Errorf("slack: unexpected status %d", code)
	}
	return true, nil
}

type Discord struct {
	WebhookURL string
	HTTPClient *http.Client
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

func (d Discord) Notify(ctx context.Context, m Message) (bool, error) {
	if d.WebhookURL == "" {
		return false, nil
	}
	color, _ := strconv.ParseInt(m.Type.color(), 16, 32)
	e := discordEmbed{
		Title:       strings.TrimSpace(m.Type.emoji() + " " + m.Title),
		Description: m.Text,
		Color:       int(color),
		Timestamp:   m.Time.UTC().Format(time.RFC3339),
	}
	e.Footer.Text = "G2 Deploy System"
	code, err := postJSON(ctx, httpClient(d.HTTPClient), d.WebhookURL, map[string]any{"embeds": []discordEmbed{e}})
	if err != nil {
		return false, fmt.Errorf("discord: %w", err)
	}
	// webhooks without ?wait=true answer 204
	if code != http.StatusNoContent {
		return false, fmt.Errorf("discord: unexpected status %d", code)
	}
	return true, nil
}
