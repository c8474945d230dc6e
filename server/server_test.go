package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/quizcache/deploy/cloud"
	"github.com/unkn0wn-root/quizcache/quiz"
	"github.com/unkn0wn-root/quizcache/quizstore"
)

const secret = "test-secret"

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeQuizzes struct {
	mu      sync.Mutex
	ds      quiz.Dataset
	latest  map[quiz.GameType]quiz.Item
	cleared []string
	saved   []quiz.Item
}

func newFakeQuizzes() *fakeQuizzes {
	return &fakeQuizzes{
		ds: quiz.Dataset{
			quiz.BlackSwan: {
				"2025-03-01": {{Question: "q1", Answer: "a1"}},
				"2025-03-02": {{Question: "q2", Answer: "a2"}},
			},
		},
		latest: map[quiz.GameType]quiz.Item{},
	}
}

func (f *fakeQuizzes) Questions(_ context.Context, gt quiz.GameType, date string) []quiz.Question {
	return f.ds.Questions(gt, date)
}
func (f *fakeQuizzes) Dates(_ context.Context, gt quiz.GameType) []string { return f.ds.Dates(gt) }
func (f *fakeQuizzes) Dataset(context.Context) quiz.Dataset             { return f.ds }
func (f *fakeQuizzes) Archive(_ context.Context, gt quiz.GameType) quiz.Archive {
	return quiz.NewArchive(f.ds.Dates(gt))
}
func (f *fakeQuizzes) Latest(_ context.Context, gt quiz.GameType) (quiz.Item, error) {
	it, ok := f.latest[gt]
	if !ok {
		return quiz.Item{}, quiz.ErrNotFound
	}
	return it, nil
}
func (f *fakeQuizzes) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, s)
	return nil
}
func (f *fakeQuizzes) ClearDate(_ context.Context, gt quiz.GameType, date string) error {
	return f.record(string(gt) + "/" + date)
}
func (f *fakeQuizzes) ClearGame(_ context.Context, gt quiz.GameType) error {
	return f.record(string(gt))
}
func (f *fakeQuizzes) ClearAll(context.Context) error { return f.record("*") }
func (f *fakeQuizzes) Saved(_ context.Context, it quiz.Item) error {
	f.mu.Lock()
	f.saved = append(f.saved, it)
	f.mu.Unlock()
	return nil
}
func (f *fakeQuizzes) Status() quiz.Status { return quiz.Status{} }

type fakeStore struct {
	items map[string]quiz.Item
	err   error
}

func (f *fakeStore) Put(_ context.Context, it quiz.Item) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	k := string(it.GameType) + "/" + it.QuizDate
	_, exists := f.items[k]
	f.items[k] = it
	return !exists, nil
}
func (f *fakeStore) Get(_ context.Context, gt quiz.GameType, date string) (quiz.Item, error) {
	it, ok := f.items[string(gt)+"/"+date]
	if !ok {
		return quiz.Item{}, quiz.ErrNotFound
	}
	return it, nil
}
func (f *fakeStore) All(context.Context) ([]quiz.Item, error) {
	out := make([]quiz.Item, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, f.err
}
func (f *fakeStore) Describe(context.Context) (quizstore.TableInfo, error) {
	return quizstore.TableInfo{Name: "g2-quiz", ItemCount: 42, SizeBytes: 9000, Status: "ACTIVE"}, nil
}

type fakeCDN struct{ paths []string }

func (f *fakeCDN) Invalidate(_ context.Context, paths ...string) (string, error) {
	f.paths = paths
	return "I123", nil
}

type fakeLambda struct{ function string }

func (f *fakeLambda) Lambda(_ context.Context, fn string, window time.Duration) (cloud.LambdaStats, error) {
	f.function = fn
	return cloud.LambdaStats{Invocations: 120, Errors: 3}, nil
}

type harness struct {
	quizzes *fakeQuizzes
	store   *fakeStore
	cdn     *fakeCDN
	lambda  *fakeLambda
	h       http.Handler
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	hs := &harness{
		quizzes: newFakeQuizzes(),
		store:   &fakeStore{items: map[string]quiz.Item{}},
		cdn:     &fakeCDN{},
		lambda:  &fakeLambda{},
	}
	cfg := Config{
		Quizzes:        hs.quizzes,
		Store:          hs.store,
		CDN:            hs.cdn,
		Metrics:        hs.lambda,
		LambdaFunction: "g2-quiz-api",
		JWTSecret:      secret,
		AllowedOrigins: []string{"https://g2.sedaily.ai"},
		Registerer:     prometheus.NewRegistry(),
		Now:            func() time.Time { return now },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	hs.h = srv.Router()
	return hs
}

func (hs *harness) do(t *testing.T, method, target, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(secret, "editor@sedaily.com", time.Hour, now)
	require.NoError(t, err)
	return tok
}

func TestNewRequiresQuizzes(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	hs := newHarness(t)
	rec, body := hs.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestPublicReads(t *testing.T) {
	hs := newHarness(t)

	rec, body := hs.do(t, http.MethodGet, "/api/quiz/quizzes/BlackSwan/2025-03-01", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	qs := body["questions"].([]any)
	require.Len(t, qs, 1)
	assert.Equal(t, "q1", qs[0].(map[string]any)["question"])

	rec, body = hs.do(t, http.MethodGet, "/api/quiz/quizzes/meta/g1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"2025-03-02", "2025-03-01"}, body["dates"])

	rec, _ = hs.do(t, http.MethodGet, "/api/quiz/quizzes/all", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []quiz.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	assert.Equal(t, "2025-03-02", items[0].QuizDate)

	rec, body = hs.do(t, http.MethodGet, "/api/quiz/quizzes/archive/BlackSwan", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["data"])
}

func TestPublicReadsRejectBadInput(t *testing.T) {
	hs := newHarness(t)
	rec, body := hs.do(t, http.MethodGet, "/api/quiz/quizzes/Chess/2025-03-01", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = hs.do(t, http.MethodGet, "/api/quiz/quizzes/BlackSwan/03-01-2025", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatest(t *testing.T) {
	hs := newHarness(t)

	rec, body := hs.do(t, http.MethodGet, "/api/quiz/latest", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "gameType required", body["error"])

	rec, body = hs.do(t, http.MethodGet, "/api/quiz/latest?gameType=BlackSwan", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Nil(t, body["data"])
	assert.Equal(t, "2025-03-10T09:00:00Z", body["updatedAt"])

	hs.quizzes.latest[quiz.BlackSwan] = quiz.Item{GameType: quiz.BlackSwan, QuizDate: "2025-03-09"}
	_, body = hs.do(t, http.MethodGet, "/api/quiz/latest?gameType=BlackSwan", "", "")
	assert.Equal(t, "2025-03-09", body["data"].(map[string]any)["quizDate"])
}

func TestQuizletSetsUnavailableWithoutSource(t *testing.T) {
	hs := newHarness(t)
	rec, _ := hs.do(t, http.MethodGet, "/api/quiz/quizlet/sets", "", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	hs := newHarness(t)

	rec, _ := hs.do(t, http.MethodGet, "/api/admin/quiz", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = hs.do(t, http.MethodGet, "/api/admin/quiz", "", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken(secret, "x", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	rec, body := hs.do(t, http.MethodGet, "/api/admin/quiz", "", expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", body["error"])

	wrongKey, err := IssueToken("other", "x", time.Hour, now)
	require.NoError(t, err)
	rec, _ = hs.do(t, http.MethodGet, "/api/admin/quiz", "", wrongKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = hs.do(t, http.MethodGet, "/api/admin/quiz", "", adminToken(t))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	hs := newHarness(t, func(c *Config) { c.JWTSecret = "" })
	rec, _ := hs.do(t, http.MethodGet, "/api/admin/quiz", "", adminToken(t))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSaveQuiz(t *testing.T) {
	hs := newHarness(t)
	tok := adminToken(t)

	body := `{"gameType":"BlackSwan","date":"2025-03-11","data":{"questions":[{"question":"q","answer":"a"}]}}`
	rec, out := hs.do(t, http.MethodPost, "/api/admin/quiz", body, tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "퀴즈가 저장되었습니다.", out["message"])
	assert.Equal(t, true, out["created"])
	require.Len(t, hs.quizzes.saved, 1)
	assert.Equal(t, "2025-03-11", hs.quizzes.saved[0].QuizDate)

	_, out = hs.do(t, http.MethodPost, "/api/admin/quiz",
		`{"gameType":"BlackSwan","quizDate":"2025-03-11","data":{"questions":[{"question":"q2","answer":"a"}]}}`, tok)
	assert.Equal(t, false, out["created"])

	_, out = hs.do(t, http.MethodGet, "/api/admin/quiz?gameType=BlackSwan&date=2025-03-11", "", tok)
	data := out["data"].(map[string]any)
	assert.Equal(t, "q2", data["data"].(map[string]any)["questions"].([]any)[0].(map[string]any)["question"])

	_, out = hs.do(t, http.MethodGet, "/api/admin/quiz?gameType=BlackSwan&date=2025-01-01", "", tok)
	assert.Equal(t, true, out["success"])
	assert.Nil(t, out["data"])
}

func TestSaveQuizRejectsInvalid(t *testing.T) {
	hs := newHarness(t)
	tok := adminToken(t)

	cases := map[string]string{
		"not json":         `{`,
		"no game":          `{"date":"2025-03-11","data":{"questions":[{"question":"q","answer":"a"}]}}`,
		"no date":          `{"gameType":"BlackSwan","data":{"questions":[{"question":"q","answer":"a"}]}}`,
		"bad date":         `{"gameType":"BlackSwan","date":"2025-13-40","data":{"questions":[{"question":"q","answer":"a"}]}}`,
		"unknown game":     `{"gameType":"Chess","date":"2025-03-11","data":{"questions":[{"question":"q","answer":"a"}]}}`,
		"no questions":     `{"gameType":"BlackSwan","date":"2025-03-11","data":{}}`,
		"empty answer":     `{"gameType":"BlackSwan","date":"2025-03-11","data":{"questions":[{"question":"q"}]}}`,
		"quizlet no terms": `{"gameType":"Quizlet","date":"2025-03-11","data":{"setName":"s"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := hs.do(t, http.MethodPost, "/api/admin/quiz", body, tok)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, out["success"])
		})
	}
	assert.Empty(t, hs.store.items)
	assert.Empty(t, hs.quizzes.saved)
}

func TestSaveQuizStoreFailure(t *testing.T) {
	hs := newHarness(t)
	hs.store.err = errors.New("throttled")
	rec, out := hs.do(t, http.MethodPost, "/api/admin/quiz",
		`{"gameType":"BlackSwan","date":"2025-03-11","data":{"questions":[{"question":"q","answer":"a"}]}}`, adminToken(t))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "저장 실패", out["error"])
	assert.Empty(t, hs.quizzes.saved)
}

func TestInvalidate(t *testing.T) {
	hs := newHarness(t)
	tok := adminToken(t)

	rec, out := hs.do(t, http.MethodPost, "/api/admin/deploy", "", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "I123", out["invalidationId"])
	assert.Equal(t, []string{"/*"}, hs.cdn.paths)

	_, _ = hs.do(t, http.MethodPost, "/api/admin/deploy", `{"paths":["/quiz/*","/index.html"]}`, tok)
	assert.Equal(t, []string{"/quiz/*", "/index.html"}, hs.cdn.paths)
}

func TestAdminMetrics(t *testing.T) {
	hs := newHarness(t)
	rec, out := hs.do(t, http.MethodGet, "/api/admin/metrics", "", adminToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	m := out["metrics"].(map[string]any)
	assert.Equal(t, float64(42), m["dynamodb"].(map[string]any)["itemCount"])
	assert.Equal(t, "ACTIVE", m["dynamodb"].(map[string]any)["status"])
	assert.Equal(t, float64(120), m["lambda"].(map[string]any)["invocations"])
	assert.Equal(t, float64(3), m["lambda"].(map[string]any)["errors"])
	assert.Equal(t, "2025-03-10T09:00:00Z", m["timestamp"])
	assert.Equal(t, "g2-quiz-api", hs.lambda.function)
}

func TestClearCache(t *testing.T) {
	hs := newHarness(t)
	tok := adminToken(t)

	_, out := hs.do(t, http.MethodPost, "/api/admin/cache/clear", "", tok)
	assert.Equal(t, "all", out["scope"])
	_, out = hs.do(t, http.MethodPost, "/api/admin/cache/clear", `{"gameType":"g2"}`, tok)
	assert.Equal(t, "PrisonersDilemma", out["scope"])
	_, _ = hs.do(t, http.MethodPost, "/api/admin/cache/clear", `{"gameType":"BlackSwan","date":"2025-03-01"}`, tok)
	rec, _ := hs.do(t, http.MethodPost, "/api/admin/cache/clear", `{"date":"2025-03-01"}`, tok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"*", "PrisonersDilemma", "BlackSwan/2025-03-01"}, hs.quizzes.cleared)

	rec, out = hs.do(t, http.MethodGet, "/api/admin/cache/status", "", tok)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
}

func TestCORSAndMetricsEndpoint(t *testing.T) {
	hs := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/quiz/quizzes/all", nil)
	req.Header.Set("Origin", "https://g2.sedaily.ai")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	assert.Equal(t, "https://g2.sedaily.ai", rec.Header().Get("Access-Control-Allow-Origin"))

	_, _ = hs.do(t, http.MethodGet, "/health", "", "")
	rec, _ = hs.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `quizapi_http_requests_total{code="200",route="/health"}`)
}
