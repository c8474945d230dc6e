// Package quizapi is a client for the quiz HTTP API. It is the remote source
// the quiz caches read through on the client side.
package quizapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/quizcache/quiz"
)

// ErrNotFound is returned for 404 responses and for an empty latest quiz.
var ErrNotFound = quiz.ErrNotFound

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("quizapi: %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset
	Timeout          time.Duration // open → half-open
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

type Config struct {
	// BaseURL is the API root, e.g. "https://g2.sedaily.ai/api/quiz".
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration // 0 => 10s; ignored when HTTPClient is set
	Breaker    BreakerConfig // zero => DefaultBreakerConfig
	Logger     *zap.Logger
}

type Client struct {
	base string
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

var _ quiz.Source = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("quizapi: invalid base URL %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bc := cfg.Breaker
	if bc == (BreakerConfig{}) {
		bc = DefaultBreakerConfig()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quizapi",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		// A missing quiz is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})

	return &Client{base: base, http: hc, cb: cb, log: log}, nil
}

// All returns every stored quiz.
func (c *Client) All(ctx context.Context) ([]quiz.Item, error) {
	var items []quiz.Item
	if err := c.get(ctx, "/quizzes/all", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ByDate returns the questions of gt on date. The payload carries them either
// at "questions" or at "data.questions".
func (c *Client) ByDate(ctx context.Context, gt quiz.GameType, date string) ([]quiz.Question, error) {
	var resp struct {
		Questions []quiz.Question `json:"questions"`
		Data      struct {
			Questions []quiz.Question `json:"questions"`
		} `json:"data"`
	}
	p := "/quizzes/" + url.PathEscape(string(gt)) + "/" + url.PathEscape(date)
	if err := c.get(ctx, p, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Questions) > 0 {
		return resp.Questions, nil
	}
	if resp.Data.Questions != nil {
		return resp.Data.Questions, nil
	}
	return []quiz.Question{}, nil
}

// Dates returns the quiz dates of gt, newest first.
func (c *Client) Dates(ctx context.Context, gt quiz.GameType) ([]string, error) {
	var resp struct {
		Dates []string `json:"dates"`
	}
	if err := c.get(ctx, "/quizzes/meta/"+url.PathEscape(string(gt)), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Dates == nil {
		resp.Dates = []string{}
	}
	quiz.SortDates(resp.Dates)
	return resp.Dates, nil
}

// Latest returns the newest quiz of gt.
func (c *Client) Latest(ctx context.Context, gt quiz.GameType) (quiz.Item, error) {
	var resp struct {
		Data *quiz.Item `json:"data"`
	}
	q := url.Values{"gameType": {string(gt)}}
	if err := c.get(ctx, "/latest", q, &resp); err != nil {
		return quiz.Item{}, err
	}
	if resp.Data == nil {
		return quiz.Item{}, fmt.Errorf("latest %s: %w", gt, ErrNotFound)
	}
	return *resp.Data, nil
}

// QuizletSets lists the Quizlet sets, newest first.
func (c *Client) QuizletSets(ctx context.Context) ([]quiz.QuizletSet, error) {
	var resp struct {
		Sets []quiz.QuizletSet `json:"sets"`
	}
	if err := c.get(ctx, "/quizlet/sets", nil, &resp); err != nil {
		return nil, err
	}
	quiz.SortSets(resp.Sets)
	return resp.Sets, nil
}

// State reports the circuit breaker state.
func (c *Client) State() gobreaker.State { return c.cb.State() }

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	start := time.Now()
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, u, out)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("quiz api request failed", zap.String("url", u), zap.Duration("took", time.Since(start)), zap.Error(err))
		}
		return err
	}
	c.log.Debug("quiz api request", zap.String("url", u), zap.Duration("took", time.Since(start)))
	return nil
}

func (c *Client) do(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("quizapi: GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("quizapi: read %s: %w", u, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", u, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Method: http.MethodGet, URL: u, Code: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	payload, err := Unwrap(raw)
	if err != nil {
		return fmt.Errorf("quizapi: %s: %w", u, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("quizapi: decode %s: %w", u, err)
	}
	return nil
}

const maxBody = 32 << 20

// Unwrap returns the payload of an API response. Responses proxied from API
// Gateway wrap it in "body", either as a JSON string or as an object; other
// responses are the payload itself.
func Unwrap(raw []byte) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return raw, nil
	}
	var env struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	body := bytes.TrimSpace(env.Body)
	switch {
	case len(body) == 0 || bytes.Equal(body, []byte("null")):
		return raw, nil
	case body[0] == '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("decode envelope body: %w", err)
		}
		return []byte(s), nil
	default:
		return body, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
