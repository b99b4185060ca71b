package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/db"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/registry"
	"github.com/chatrelay-project/chatrelay/internal/server"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testPalette = []string{"#ff0000", "#00ff00", "#0000ff"}

type fakeSender struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (f *fakeSender) Send(frames ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames += len(frames)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type apiFixture struct {
	handler http.Handler
	manager *server.Manager
	reg     *registry.Registry
	bus     *events.EventBus
	audit   *db.AuditStore
}

func newFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ApplicationData.Logging.Directory = t.TempDir()
	cfg.ApplicationData.API.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	verifier, err := util.NewVerifier("", 0)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	audit, err := db.NewAuditStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewAuditStore: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	reg := registry.New(testPalette, registry.WithPicker(func(int) int { return 0 }))
	m := server.NewManager(reg, verifier, nil, bus, server.Options{})

	return &apiFixture{
		handler: NewServer(cfg, bus, m, audit).Handler(),
		manager: m,
		reg:     reg,
		bus:     bus,
		audit:   audit,
	}
}

func (f *apiFixture) addSession(t *testing.T, authenticated bool) (*registry.Session, *fakeSender) {
	t.Helper()
	snd := &fakeSender{}
	s, err := f.reg.Register(snd, "192.0.2.1:4000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if authenticated {
		f.reg.Authenticate(s)
	}
	return s, snd
}

func (f *apiFixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodGet, "/api/public/ping", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode(t, w)["status"]; got != "ok" {
		t.Fatalf("status field = %v", got)
	}
	if w.Header().Get("Server") != "chatrelay" {
		t.Fatalf("Server header = %q", w.Header().Get("Server"))
	}
}

func TestInfoReportsOpenRelay(t *testing.T) {
	f := newFixture(t, nil)
	f.addSession(t, true)

	body := decode(t, f.do(t, http.MethodGet, "/api/public/info", "", nil))
	if body["password_required"] != false {
		t.Fatalf("password_required = %v", body["password_required"])
	}
	if body["sessions"] != float64(1) || body["free_colours"] != float64(2) {
		t.Fatalf("info = %v", body)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.API.Token = "s3cret"
	})

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"valid", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/monitor/stats", "", tt.header)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// public routes stay open
	if w := f.do(t, http.MethodGet, "/api/public/ping", "", nil); w.Code != http.StatusOK {
		t.Fatalf("ping status = %d", w.Code)
	}
}

func TestSessionsAndColours(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.addSession(t, true)
	f.addSession(t, false)

	body := decode(t, f.do(t, http.MethodGet, "/api/monitor/sessions", "", nil))
	if body["total"] != float64(2) {
		t.Fatalf("total = %v", body["total"])
	}
	sessions := body["sessions"].([]interface{})
	first := sessions[0].(map[string]interface{})
	if first["id"] != s.ID || first["state"] != "authenticated" {
		t.Fatalf("first session = %v", first)
	}

	body = decode(t, f.do(t, http.MethodGet, "/api/monitor/colours", "", nil))
	palette := body["palette"].([]interface{})
	if len(palette) != len(testPalette) {
		t.Fatalf("palette = %v", palette)
	}
	holder := palette[0].(map[string]interface{})["holder"]
	if holder != s.Username() {
		t.Fatalf("holder of %s = %v, want %s", testPalette[0], holder, s.Username())
	}
	if free := body["free"].([]interface{}); len(free) != 1 {
		t.Fatalf("free = %v", free)
	}
	if body["server"].(map[string]interface{})["username"] != "Server" {
		t.Fatalf("server = %v", body["server"])
	}
}

func TestConfigRedactsPassword(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Relay.Password = "hunter2"
	})

	w := f.do(t, http.MethodGet, "/api/monitor/config", "", nil)
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatal("password leaked in config response")
	}
	body := decode(t, w)
	if body["password_set"] != true {
		t.Fatalf("password_set = %v", body["password_set"])
	}
	codes := body["protocol"].(map[string]interface{})["codes"].(map[string]interface{})
	if len(codes) == 0 {
		t.Fatal("no codes in config response")
	}
}

func TestAnnounce(t *testing.T) {
	f := newFixture(t, nil)
	_, authed := f.addSession(t, true)
	_, pending := f.addSession(t, false)

	w := f.do(t, http.MethodPost, "/api/control/announce", `{"text":"maintenance at noon"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["recipients"]; got != float64(1) {
		t.Fatalf("recipients = %v", got)
	}
	if authed.frames == 0 || pending.frames != 0 {
		t.Fatalf("frames authed=%d pending=%d", authed.frames, pending.frames)
	}
}

func TestAnnounceBadRequest(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{`not json`, `{}`, `{"text":"   "}`} {
		if w := f.do(t, http.MethodPost, "/api/control/announce", body, nil); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, w.Code)
		}
	}
}

func TestKick(t *testing.T) {
	f := newFixture(t, nil)
	s, snd := f.addSession(t, true)

	if w := f.do(t, http.MethodPost, "/api/control/kick/nobody", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/control/kick/"+s.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !snd.isClosed() {
		t.Fatal("kicked session was not closed")
	}
}

func TestOperatorActionsAfterShutdown(t *testing.T) {
	f := newFixture(t, nil)
	s, _ := f.addSession(t, true)

	f.manager.Shutdown()

	if w := f.do(t, http.MethodPost, "/api/control/announce", `{"text":"hi"}`, nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("announce status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/control/kick/"+s.ID, "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("kick status = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/control/shutdown", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("shutdown status = %d", w.Code)
	}
}

func TestShutdownEndpointEmitsEvent(t *testing.T) {
	f := newFixture(t, nil)
	got := make(chan events.Event, 1)
	f.bus.Subscribe(events.EventShutdown, "test", func(ctx context.Context, e events.Event) error {
		got <- e
		return nil
	})

	w := f.do(t, http.MethodPost, "/api/control/shutdown", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	select {
	case e := <-got:
		if e.Source != "api" {
			t.Fatalf("source = %q", e.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestAuditEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, typ := range []string{"session_connected", "session_connected", "session_closed"} {
		if err := f.audit.Record(ctx, db.AuditEvent{Type: typ, SessionID: "abc"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	body := decode(t, f.do(t, http.MethodGet, "/api/monitor/audit?count=2", "", nil))
	if body["count"] != float64(2) {
		t.Fatalf("count = %v", body["count"])
	}
	totals := body["totals"].(map[string]interface{})
	if totals["session_connected"] != float64(2) || totals["session_closed"] != float64(1) {
		t.Fatalf("totals = %v", totals)
	}
}

func TestLogEntriesMissingDirectory(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.Logging.Directory = filepath.Join(t.TempDir(), "absent")
	})
	w := f.do(t, http.MethodGet, "/api/monitor/logs", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decode(t, w)["count"] != float64(0) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.ApplicationData.API.RateLimitRPS = 1
	})

	// burst is twice the rate
	for i := 0; i < 2; i++ {
		if w := f.do(t, http.MethodGet, "/api/public/ping", "", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	if w := f.do(t, http.MethodGet, "/api/public/ping", "", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestNoRoute(t *testing.T) {
	f := newFixture(t, nil)
	if w := f.do(t, http.MethodGet, "/api/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
