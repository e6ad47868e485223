package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/config"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/infrastructure/eventbus"
	"github.com/sipeed/wabot/pkg/infrastructure/persistence"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/orchestration"
)

const testKey = "secret-key"

type fakeTasks struct {
	tasks     map[string]orchestration.Task
	cancelled []string
}

func (f *fakeTasks) Get(id string) (orchestration.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeTasks) List(limit int) []orchestration.Task {
	var out []orchestration.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeTasks) Active() []orchestration.Task {
	var out []orchestration.Task
	for _, t := range f.tasks {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTasks) Cancel(id string) bool {
	t, ok := f.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeTasks) Status() map[string]interface{} {
	return map[string]interface{}{"workers": 4}
}

type fakeArchive struct {
	tasks map[string]events.TaskEventData
}

func (f *fakeArchive) Get(_ context.Context, id string) (events.TaskEventData, error) {
	t, ok := f.tasks[id]
	if !ok {
		return events.TaskEventData{}, persistence.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeArchive) Recent(_ context.Context, limit int) ([]events.TaskEventData, error) {
	var out []events.TaskEventData
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *fakeTasks, domain.EventBus) {
	t.Helper()
	reg, err := capability.NewRegistry([]capability.Descriptor{{
		Intent:  "flip_coin",
		Summary: "Flip a coin",
		Cost:    capability.Instant,
		Handler: capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
			return capability.Result{Text: "heads"}, nil
		}),
	}})
	require.NoError(t, err)

	tasks := &fakeTasks{tasks: map[string]orchestration.Task{
		"live-1": {ID: "live-1", Intent: "remove_background", Status: orchestration.StatusRunning},
		"done-1": {ID: "done-1", Intent: "joke", Status: orchestration.StatusSucceeded},
	}}
	archive := &fakeArchive{tasks: map[string]events.TaskEventData{
		"old-1": {TaskID: "old-1", Intent: "weather", Status: "succeeded"},
	}}
	eb := eventbus.New()
	mb := bus.NewMessageBus(8, 8)
	t.Cleanup(mb.Close)

	s := NewServer(config.GatewayConfig{Host: "127.0.0.1", APIKey: testKey}, Deps{
		Tasks:      tasks,
		Archive:    archive,
		Classifier: intent.Default(),
		Registry:   reg,
		Bus:        mb,
		Events:     eb,
		Version:    "test",
	})
	return s, tasks, eb
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAuth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", testKey)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGeneratedKey(t *testing.T) {
	s := NewServer(config.GatewayConfig{}, Deps{})
	assert.Len(t, s.APIKey(), 48)
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := decode(t, do(t, s, http.MethodGet, "/api/status", ""))
	assert.Equal(t, "test", body["version"])
	assert.EqualValues(t, 1, body["capabilities"])
	assert.EqualValues(t, 4, body["orchestrator"].(map[string]interface{})["workers"])
	assert.Contains(t, body["events"], "handlers")
}

func TestGetTaskFallsBackToArchive(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := decode(t, do(t, s, http.MethodGet, "/api/tasks/live-1", ""))
	assert.Equal(t, "live", body["source"])

	body = decode(t, do(t, s, http.MethodGet, "/api/tasks/old-1", ""))
	assert.Equal(t, "archive", body["source"])
	assert.Equal(t, "weather", body["task"].(map[string]interface{})["intent"])

	rec := do(t, s, http.MethodGet, "/api/tasks/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := decode(t, do(t, s, http.MethodGet, "/api/tasks", ""))
	assert.EqualValues(t, 2, body["count"])

	body = decode(t, do(t, s, http.MethodGet, "/api/tasks?active=true", ""))
	assert.EqualValues(t, 1, body["count"])

	body = decode(t, do(t, s, http.MethodGet, "/api/tasks?source=archive", ""))
	assert.Equal(t, "archive", body["source"])
	assert.EqualValues(t, 1, body["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/tasks?limit=-1", "").Code)
}

func TestCancelTask(t *testing.T) {
	s, tasks, _ := newTestServer(t)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/tasks/live-1/cancel", "").Code)
	assert.Equal(t, []string{"live-1"}, tasks.cancelled)

	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/tasks/done-1/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/tasks/nope/cancel", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/tasks/live-1/cancel", "").Code)
}

func TestClassify(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := decode(t, do(t, s, http.MethodPost, "/api/classify", `{"text":"weather in London"}`))
	in := body["intent"].(map[string]interface{})
	assert.Equal(t, "weather", in["name"])
	assert.Equal(t, "london", strings.ToLower(in["args"].(map[string]interface{})["city"].(string)))
	assert.Equal(t, true, body["recognized"])
	assert.Nil(t, body["capability"], "weather is not registered in this test")

	body = decode(t, do(t, s, http.MethodPost, "/api/classify", `{"text":"flip a coin"}`))
	assert.Equal(t, "flip_coin", body["capability"].(map[string]interface{})["intent"])

	body = decode(t, do(t, s, http.MethodPost, "/api/classify", `{"text":"asdkjasdj"}`))
	assert.Equal(t, false, body["recognized"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/classify", `{"text":"  "}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/classify", `not json`).Code)
}

func TestIntentsListsRulesInOrder(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/intents", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.NotEmpty(t, rules)
	for i := 1; i < len(rules); i++ {
		assert.GreaterOrEqual(t, rules[i-1]["priority"], rules[i]["priority"])
	}
}

func TestWebSocketFeed(t *testing.T) {
	s, _, eb := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startFeed(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + testKey
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first events.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "initial_state", first.Type)

	eb.Publish(domain.NewEvent(domain.EventTaskStarted, "t-1", events.TaskEventData{TaskID: "t-1", Intent: "joke"}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == string(domain.EventTaskStarted) {
			assert.Equal(t, "task", ev.Source)
			assert.Equal(t, "t-1", ev.Data.(map[string]interface{})["task_id"])
			return
		}
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
