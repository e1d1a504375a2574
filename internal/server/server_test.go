package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lamim/chapterforge/internal/apperror"
	"github.com/lamim/chapterforge/internal/cache"
	"github.com/lamim/chapterforge/internal/config"
	"github.com/lamim/chapterforge/internal/logging"
	"github.com/lamim/chapterforge/internal/orchestrator"
	"github.com/lamim/chapterforge/pkg/models"
)

type fakeGenerator struct {
	mu        sync.Mutex
	events    []orchestrator.Event
	startErr  error
	result    *orchestrator.Result
	genErr    error
	block     bool
	cancelled chan struct{}
	running   map[string]bool
	lastReq   orchestrator.Request
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		cancelled: make(chan struct{}),
		running:   map[string]bool{},
		events: []orchestrator.Event{
			{Kind: orchestrator.EventConnected, SessionID: "s1", Seq: 1, Data: orchestrator.ConnectedData{SessionID: "s1", ProjectID: "p1", ChapterID: "c1"}},
			{Kind: orchestrator.EventProgress, SessionID: "s1", Seq: 2, Data: orchestrator.ProgressData{Progress: 50, Step: "scene", Message: "Scene 1 of 2"}},
			{Kind: orchestrator.EventCompleted, SessionID: "s1", Seq: 3, Data: orchestrator.CompletedData{WordCount: 120, SuccessfulScenes: 2, TotalScenes: 2}},
		},
	}
}

func (f *fakeGenerator) Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Session, <-chan orchestrator.Event, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, nil, f.startErr
	}

	ch := make(chan orchestrator.Event, len(f.events)+1)
	go func() {
		defer close(ch)
		if f.block {
			ch <- f.events[0]
			<-ctx.Done()
			close(f.cancelled)
			ch <- orchestrator.Event{Kind: orchestrator.EventCompleted, Seq: 2, Data: orchestrator.CompletedData{Cancelled: true}}
			return
		}
		for _, ev := range f.events {
			ch <- ev
		}
	}()
	return nil, ch, nil
}

func (f *fakeGenerator) Generate(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	return f.result, f.genErr
}

func (f *fakeGenerator) Cancel(chapterID string) bool {
	return f.running[chapterID]
}

func (f *fakeGenerator) ActiveSessions() int {
	return len(f.running)
}

type fakeCache struct {
	stats   cache.Stats
	evicted int
	err     error
}

func (f *fakeCache) Stats(ctx context.Context) (cache.Stats, error) { return f.stats, f.err }
func (f *fakeCache) Evict(ctx context.Context) (int, error)         { return f.evicted, f.err }

type fakeQueue struct {
	enqueued []string
	failed   []models.FailedSummaryJob
}

func (f *fakeQueue) Enqueue(ctx context.Context, scope models.SummaryScope, targetID string) (*models.SummaryJob, error) {
	f.enqueued = append(f.enqueued, string(scope)+"/"+targetID)
	return &models.SummaryJob{ID: "j1", Scope: scope, TargetID: targetID}, nil
}

func (f *fakeQueue) Failed(ctx context.Context) ([]models.FailedSummaryJob, error) {
	return f.failed, nil
}

func (f *fakeQueue) Pending(ctx context.Context) (int64, error) {
	return int64(len(f.enqueued)), nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(t *testing.T, gen *fakeGenerator, c CacheAdmin, q SummaryQueue, ping Pinger) *Server {
	t.Helper()
	if ping == nil {
		ping = fakePinger{}
	}
	s, err := New(Deps{
		Config:    config.ServerConfig{},
		Generator: gen,
		Cache:     c,
		Summaries: q,
		Store:     ping,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodePayload(t *testing.T, rec *httptest.ResponseRecorder) apperror.Payload {
	t.Helper()
	var p apperror.Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return p
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Store: fakePinger{}}); err == nil {
		t.Error("expected error without generator")
	}
	if _, err := New(Deps{Generator: newFakeGenerator()}); err == nil {
		t.Error("expected error without store")
	}
}

func TestGenerate_Sync(t *testing.T) {
	gen := newFakeGenerator()
	gen.result = &orchestrator.Result{SessionID: "s1", ChapterID: "c1", WordCount: 120, Summary: "2/2 scenes passed checks, 0 warnings"}
	s := newTestServer(t, gen, nil, nil, nil)

	rec := do(s, http.MethodPost, "/api/projects/p1/chapters/c1/generate")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var got orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WordCount != 120 || got.Summary == "" {
		t.Errorf("result = %+v", got)
	}
	if gen.lastReq.ProjectID != "p1" || gen.lastReq.ChapterID != "c1" {
		t.Errorf("request = %+v", gen.lastReq)
	}
}

func TestGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType apperror.Kind
	}{
		{"concurrent session", apperror.ConcurrentSession("c1"), http.StatusConflict, apperror.KindConcurrentSession},
		{"not found", apperror.NotFound("chapter", "c9"), http.StatusNotFound, apperror.KindNotFound},
		{"validation", apperror.Validation("bad outline", nil), http.StatusUnprocessableEntity, apperror.KindValidation},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, apperror.KindTimeout},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, apperror.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := newFakeGenerator()
			gen.genErr = tt.err
			s := newTestServer(t, gen, nil, nil, nil)

			rec := do(s, http.MethodPost, "/api/projects/p1/chapters/c1/generate")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if p := decodePayload(t, rec); p.Type != tt.wantType {
				t.Errorf("type = %q, want %q", p.Type, tt.wantType)
			}
		})
	}
}

func TestStream_WritesEventsInOrder(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)

	rec := do(s, http.MethodGet, "/api/projects/p1/chapters/c1/generate/stream")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	body := rec.Body.String()
	var order []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			order = append(order, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"connected", "progress", "completed"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", order, want)
	}
	if !strings.Contains(body, `"progress":50`) {
		t.Errorf("progress payload missing from %q", body)
	}
}

func TestStream_PostIsAccepted(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	rec := do(s, http.MethodPost, "/api/projects/p1/chapters/c1/generate/stream")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "event: completed") {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestStream_StartErrorIsJSON(t *testing.T) {
	gen := newFakeGenerator()
	gen.startErr = apperror.ConcurrentSession("c1")
	s := newTestServer(t, gen, nil, nil, nil)

	rec := do(s, http.MethodGet, "/api/projects/p1/chapters/c1/generate/stream")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	p := decodePayload(t, rec)
	if p.Type != apperror.KindConcurrentSession || p.CanRetry {
		t.Errorf("payload = %+v", p)
	}
}

func TestStream_DisconnectCancelsSession(t *testing.T) {
	gen := newFakeGenerator()
	gen.block = true
	s := newTestServer(t, gen, nil, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/projects/p1/chapters/c1/generate/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "id: ") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	cancel()

	select {
	case <-gen.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not cancelled after the client disconnected")
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebSocket_OneMessagePerEvent(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/projects/p1/chapters/c1/generate"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var kinds []string
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		if len(msg.Data) == 0 {
			t.Errorf("%s message has no data", msg.Type)
		}
		kinds = append(kinds, msg.Type)
	}
	if got := strings.Join(kinds, ","); got != "connected,progress,completed" {
		t.Errorf("messages = %s", got)
	}
}

func TestWebSocket_CancelMessage(t *testing.T) {
	gen := newFakeGenerator()
	gen.block = true
	s := newTestServer(t, gen, nil, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/projects/p1/chapters/c1/generate"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first orchestrator.Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&first); err != nil || first.Kind != orchestrator.EventConnected {
		t.Fatalf("first message = %+v, err = %v", first, err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "cancel"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case <-gen.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("session was not cancelled by the client message")
	}
}

func TestWebSocket_StartError(t *testing.T) {
	gen := newFakeGenerator()
	gen.startErr = apperror.ConcurrentSession("c1")
	s := newTestServer(t, gen, nil, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/projects/p1/chapters/c1/generate"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Type string           `json:"type"`
		Data apperror.Payload `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || msg.Data.Type != apperror.KindConcurrentSession {
		t.Errorf("message = %+v", msg)
	}
}

func TestCancel(t *testing.T) {
	gen := newFakeGenerator()
	gen.running["c1"] = true
	s := newTestServer(t, gen, nil, nil, nil)

	if rec := do(s, http.MethodPost, "/api/chapters/c1/cancel"); rec.Code != http.StatusAccepted {
		t.Errorf("running chapter: status = %d, want 202", rec.Code)
	}
	rec := do(s, http.MethodPost, "/api/chapters/c2/cancel")
	if rec.Code != http.StatusNotFound {
		t.Errorf("idle chapter: status = %d, want 404", rec.Code)
	}
}

func TestCacheEndpoints(t *testing.T) {
	c := &fakeCache{stats: cache.Stats{TotalSignatures: 3, AvgQualityScore: 72.5, HitRate: 0.5}, evicted: 2}
	s := newTestServer(t, newFakeGenerator(), c, nil, nil)

	rec := do(s, http.MethodGet, "/api/cache/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var body struct {
		Enabled bool        `json:"enabled"`
		Stats   cache.Stats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Enabled || body.Stats.TotalSignatures != 3 || body.Stats.HitRate != 0.5 {
		t.Errorf("stats = %+v", body)
	}

	rec = do(s, http.MethodPost, "/api/cache/evict")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"evicted":2`) {
		t.Errorf("evict: status = %d body = %s", rec.Code, rec.Body.String())
	}

	c.err = errors.New("db down")
	if rec := do(s, http.MethodGet, "/api/cache/stats"); rec.Code != http.StatusInternalServerError {
		t.Errorf("failing stats: status = %d, want 500", rec.Code)
	}
}

func TestCacheEndpoints_Disabled(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	rec := do(s, http.MethodGet, "/api/cache/stats")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestSummaries(t *testing.T) {
	q := &fakeQueue{failed: []models.FailedSummaryJob{{ID: "f1", Scope: models.ScopeVolume, TargetID: "v1", Attempts: 5}}}
	s := newTestServer(t, newFakeGenerator(), nil, q, nil)

	rec := do(s, http.MethodPost, "/api/summaries/volume/v1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "volume/v1" {
		t.Errorf("enqueued = %v", q.enqueued)
	}

	rec = do(s, http.MethodPost, "/api/summaries/book/b1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad scope: status = %d, want 422", rec.Code)
	}

	rec = do(s, http.MethodGet, "/api/summaries/failed")
	if rec.Code != http.StatusOK {
		t.Fatalf("failed: status = %d", rec.Code)
	}
	var body struct {
		Pending int64                     `json:"pending"`
		Failed  []models.FailedSummaryJob `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Pending != 1 || len(body.Failed) != 1 || body.Failed[0].TargetID != "v1" {
		t.Errorf("body = %+v", body)
	}
}

func TestSummaries_Disabled(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	if rec := do(s, http.MethodPost, "/api/summaries/chapter/c1"); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	rec := do(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	s = newTestServer(t, newFakeGenerator(), nil, nil, fakePinger{err: errors.New("connection refused")})
	if rec := do(s, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeGenerator(), nil, nil, nil)
	rec := do(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	gen := newFakeGenerator()
	s, err := New(Deps{
		Config:    config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeoutSeconds: 1},
		Generator: gen,
		Store:     fakePinger{},
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
