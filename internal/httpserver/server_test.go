package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/mcwatch/internal/duckdb"
	"github.com/tinytelemetry/mcwatch/internal/model"
	"github.com/tinytelemetry/mcwatch/internal/monitor"
	"github.com/tinytelemetry/mcwatch/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct {
	status monitor.Status
	subs   []model.Notification
}

func (f fakeStatus) Status() monitor.Status              { return f.status }
func (f fakeStatus) Notifications() []model.Notification { return f.subs }

type fakeStats notify.Stats

func (f fakeStats) Stats() notify.Stats { return notify.Stats(f) }

func testStatus() fakeStatus {
	return fakeStatus{
		status: monitor.Status{
			State:    monitor.StatePolling,
			Ticks:    12,
			LastTick: time.Date(2024, 3, 1, 15, 44, 37, 0, time.UTC),
			LogPath:  "/srv/mc/logs/latest.log",
			Offset:   4096,
		},
		subs: []model.Notification{
			{Name: "mc_test1", IncludeLevel: model.DefaultIncludeLevel(), IncludeClass: model.DefaultIncludeClass()},
			{Name: "quiet", IncludeLevel: model.NewLevelSet(), IncludeClass: model.NewClassSet()},
		},
	}
}

func newTestServer(t *testing.T, withHistory bool) (*duckdb.Store, *gin.Engine) {
	t.Helper()
	var (
		store   *duckdb.Store
		records model.RecordReader
	)
	if withHistory {
		var err error
		store, err = duckdb.NewStore("")
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		records = store
	}
	srv := NewServer("", testStatus(), fakeStats{Delivered: 7, Failed: 2}, records)
	return store, srv.handler()
}

func get(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %s: %v (body=%s)", path, err, w.Body.String())
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestServer(t, false)

	w, body := get(t, r, "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["state"] != "polling" {
		t.Errorf("state = %v, want polling", body["state"])
	}
	if body["ticks"] != float64(12) {
		t.Errorf("ticks = %v, want 12", body["ticks"])
	}
	if body["last_tick"] != "2024-03-01T15:44:37Z" {
		t.Errorf("last_tick = %v", body["last_tick"])
	}
	if body["log_path"] != "/srv/mc/logs/latest.log" {
		t.Errorf("log_path = %v", body["log_path"])
	}
	if body["offset"] != float64(4096) {
		t.Errorf("offset = %v, want 4096", body["offset"])
	}
	if body["delivered"] != float64(7) || body["failed"] != float64(2) {
		t.Errorf("delivered/failed = %v/%v, want 7/2", body["delivered"], body["failed"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, r := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestSubscribersEndpoint(t *testing.T) {
	_, r := newTestServer(t, false)

	w, body := get(t, r, "/api/subscribers")
	if w.Code != http.StatusOK {
		t.Fatalf("subscribers status = %d", w.Code)
	}
	subs, ok := body["subscribers"].([]any)
	if !ok || len(subs) != 2 {
		t.Fatalf("subscribers = %v, want 2 entries", body["subscribers"])
	}
	first := subs[0].(map[string]any)
	if first["name"] != "mc_test1" {
		t.Errorf("name = %v, want mc_test1", first["name"])
	}
	levels := first["include_level"].([]any)
	if len(levels) != 1 || levels[0] != "Error" {
		t.Errorf("include_level = %v, want [Error]", levels)
	}
	classes := first["include_class"].([]any)
	want := []string{"ServerVersion", "ServerStart", "ServerStop"}
	if len(classes) != len(want) {
		t.Fatalf("include_class = %v, want %v", classes, want)
	}
	for i := range want {
		if classes[i] != want[i] {
			t.Errorf("include_class[%d] = %v, want %s", i, classes[i], want[i])
		}
	}
	quiet := subs[1].(map[string]any)
	if l := quiet["include_level"].([]any); len(l) != 0 {
		t.Errorf("quiet include_level = %v, want empty", l)
	}
}

func TestRecordsEndpoint_HistoryDisabled(t *testing.T) {
	_, r := newTestServer(t, false)

	for _, path := range []string{"/api/records", "/api/stats"} {
		w, body := get(t, r, path)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
		if body["error"] == nil {
			t.Errorf("%s body has no error field", path)
		}
	}
}

func insertRecords(t *testing.T, store *duckdb.Store) {
	t.Helper()
	now := time.Now()
	mk := func(level model.LogLevel, class model.LogClass, msg string) *model.StoredRecord {
		return &model.StoredRecord{
			LogRecord:  model.LogRecord{Time: "15:44:37", Level: level, Class: class, Message: msg, StatusMessage: "15:44:37 - " + msg},
			ObservedAt: now,
			Source:     "/srv/mc/logs/latest.log",
		}
	}
	err := store.InsertRecords([]*model.StoredRecord{
		mk(model.LevelInfo, model.ClassServerStart, "Done (4.736s)!"),
		mk(model.LevelInfo, model.ClassUserJoined, "alice joined the game"),
		mk(model.LevelWarning, model.ClassServerOverload, "Can't keep up!"),
	})
	if err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
}

func TestRecordsEndpoint(t *testing.T) {
	store, r := newTestServer(t, true)
	insertRecords(t, store)

	w, body := get(t, r, "/api/records?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("records status = %d (body=%s)", w.Code, w.Body.String())
	}
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", body["count"])
	}
	records := body["records"].([]any)
	newest := records[0].(map[string]any)
	if newest["class"] != "ServerOverload" || newest["level"] != "Warning" {
		t.Errorf("newest = %v, want ServerOverload/Warning", newest)
	}

	w, body = get(t, r, "/api/records?class=userjoined")
	if w.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("class filter: status=%d count=%v, want 200 and 1", w.Code, body["count"])
	}

	w, body = get(t, r, "/api/records?level=Error")
	if w.Code != http.StatusOK || body["count"] != float64(0) {
		t.Fatalf("level filter: status=%d count=%v, want 200 and 0", w.Code, body["count"])
	}
}

func TestRecordsEndpoint_BadParams(t *testing.T) {
	_, r := newTestServer(t, true)

	for _, path := range []string{
		"/api/records?limit=abc",
		"/api/records?limit=-1",
		"/api/records?level=Fatal",
		"/api/records?class=Nope",
	} {
		w, body := get(t, r, path)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, w.Code)
		}
		if body["error"] == nil {
			t.Errorf("%s body has no error field", path)
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	store, r := newTestServer(t, true)
	insertRecords(t, store)

	w, body := get(t, r, "/api/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	if body["total"] != float64(3) {
		t.Errorf("total = %v, want 3", body["total"])
	}
	byLevel := body["by_level"].([]any)
	top := byLevel[0].(map[string]any)
	if top["value"] != "Info" || top["count"] != float64(2) {
		t.Errorf("top level = %v, want Info=2", top)
	}
	if byClass := body["by_class"].([]any); len(byClass) != 3 {
		t.Errorf("by_class = %v, want 3 groups", byClass)
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", testStatus(), fakeStats{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
