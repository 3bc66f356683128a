package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"canvaschat/canvas"
	"canvaschat/chat"
	"canvaschat/core"
	"canvaschat/db"
	"canvaschat/export"
	"canvaschat/logging"
	"canvaschat/syncer"
)

type scriptedStream struct {
	tokens chan string
	err    error
}

func newScriptedStream(tokens []string, err error) *scriptedStream {
	ch := make(chan string, len(tokens))
	for _, token := range tokens {
		ch <- token
	}
	close(ch)
	return &scriptedStream{tokens: ch, err: err}
}

func (s *scriptedStream) Tokens() <-chan string { return s.tokens }
func (s *scriptedStream) Err() error            { return s.err }

type fakeChat struct {
	stream  ChatStream
	err     error
	lastReq chat.Request
}

func (f *fakeChat) Submit(ctx context.Context, req chat.Request) (ChatStream, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func newTestServer(t *testing.T, chats ChatService) *Server {
	t.Helper()

	cfg := &core.Config{
		OpenAIAPIKey:    "sk-test",
		ExportMaxPixels: 256,
	}

	database, err := db.NewDatabaseWithConfig(db.DatabaseConfig{
		Path:           filepath.Join(t.TempDir(), "server.db"),
		MigrationsPath: "file://../db/migrations",
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := db.NewStore(database, nil)
	tabs := canvas.NewTabList()
	factory := canvas.NewOffscreenFactory(store, cfg.ExportMaxPixels)
	exporter := export.NewService(tabs, factory, time.Second, logging.NewTestLogger())
	debounce := syncer.NewDebouncer(store, 20*time.Millisecond, logging.NewTestLogger())
	t.Cleanup(debounce.Unbind)

	if chats == nil {
		chats = &fakeChat{stream: newScriptedStream(nil, nil)}
	}
	return NewServer(DefaultServerConfig(), cfg, database, store, tabs, exporter, chats, debounce, logging.NewTestLogger())
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCanvasLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/canvases", map[string]string{"name": "Diagram"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created canvasResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Name != "Diagram" || !created.Active {
		t.Errorf("created = %+v", created)
	}

	// List shows it as active.
	rec = doJSON(t, h, http.MethodGet, "/api/canvases", nil)
	var list []canvasResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || !list[0].Active {
		t.Errorf("list = %+v", list)
	}

	// Draw a shape on the live surface.
	rec = doJSON(t, h, http.MethodPut,
		"/api/canvases/"+created.ID+"/shapes/s1",
		canvas.Shape{X: 0, Y: 0, W: 40, H: 40, Color: "#0000ff"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put shape status = %d: %s", rec.Code, rec.Body.String())
	}

	// Export the active canvas by name.
	rec = doJSON(t, h, http.MethodGet, "/api/export?name=Diagram", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Error("export returned no bytes")
	}

	// Rename, then verify exports resolve the new name only.
	rec = doJSON(t, h, http.MethodPut, "/api/canvases/"+created.ID, map[string]string{"name": "Plan"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/export?name=Diagram", nil); rec.Code != http.StatusNotFound {
		t.Errorf("export by old name status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/export?name=Plan", nil); rec.Code != http.StatusOK {
		t.Errorf("export by new name status = %d, want 200", rec.Code)
	}

	// Delete.
	rec = doJSON(t, h, http.MethodDelete, "/api/canvases/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/canvases", nil)
	list = nil
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Errorf("list after delete = %+v", list)
	}
}

func TestActivateSwitchesTabs(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	var first, second canvasResponse
	rec := doJSON(t, h, http.MethodPost, "/api/canvases", map[string]string{"name": "One"})
	json.Unmarshal(rec.Body.Bytes(), &first)
	rec = doJSON(t, h, http.MethodPost, "/api/canvases", map[string]string{"name": "Two"})
	json.Unmarshal(rec.Body.Bytes(), &second)

	// The second create is active; switch back to the first.
	rec = doJSON(t, h, http.MethodPost, "/api/canvases/"+first.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/canvases", nil)
	var list []canvasResponse
	json.Unmarshal(rec.Body.Bytes(), &list)
	for _, c := range list {
		if c.ID == first.ID && !c.Active {
			t.Error("first canvas should be active after activate")
		}
		if c.ID == second.ID && c.Active {
			t.Error("second canvas should no longer be active")
		}
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/canvases/missing/activate", nil); rec.Code != http.StatusNotFound {
		t.Errorf("activate unknown status = %d, want 404", rec.Code)
	}
}

func TestEditsPersistAfterQuietPeriod(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	var created canvasResponse
	rec := doJSON(t, h, http.MethodPost, "/api/canvases", map[string]string{"name": "Synced"})
	json.Unmarshal(rec.Body.Bytes(), &created)

	doJSON(t, h, http.MethodPut,
		"/api/canvases/"+created.ID+"/shapes/s1",
		canvas.Shape{W: 10, H: 10})

	// Wait out the quiet period, then check the stored snapshot.
	deadline := time.After(2 * time.Second)
	for {
		snap, err := s.store.LoadSnapshotByKey(context.Background(), created.PersistenceKey)
		if err != nil {
			t.Fatalf("LoadSnapshotByKey: %v", err)
		}
		if snap != nil && strings.Contains(string(snap), `"s1"`) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("edit never reached the store")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionAndMessageRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/chat-sessions", map[string]string{"title": "Notes review"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d", rec.Code)
	}
	var session sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &session)

	for i, turn := range []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi there"},
	} {
		rec := doJSON(t, h, http.MethodPost, "/api/chat-sessions/"+session.ID+"/messages",
			map[string]string{"role": turn.role, "content": turn.content})
		if rec.Code != http.StatusCreated {
			t.Fatalf("append message %d status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, h, http.MethodPost, "/api/chat-sessions/"+session.ID+"/messages",
		map[string]string{"role": "system", "content": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("append with invalid role status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/chat-sessions/"+session.ID+"/messages", nil)
	var messages []messageResponse
	json.Unmarshal(rec.Body.Bytes(), &messages)
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", messages)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/chat-sessions/"+session.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete session status = %d", rec.Code)
	}
}

func TestDeleteAllCanvasesAndSessions(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	for _, name := range []string{"One", "Two"} {
		doJSON(t, h, http.MethodPost, "/api/canvases", map[string]string{"name": name})
	}
	doJSON(t, h, http.MethodPost, "/api/chat-sessions", map[string]string{"title": "a"})
	doJSON(t, h, http.MethodPost, "/api/chat-sessions", map[string]string{"title": "b"})

	if rec := doJSON(t, h, http.MethodDelete, "/api/canvases", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete all canvases status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodGet, "/api/canvases", nil)
	var canvases []canvasResponse
	json.Unmarshal(rec.Body.Bytes(), &canvases)
	if len(canvases) != 0 {
		t.Errorf("canvases after delete all = %+v", canvases)
	}

	if rec := doJSON(t, h, http.MethodDelete, "/api/chat-sessions", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete all sessions status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/chat-sessions", nil)
	var sessions []sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &sessions)
	if len(sessions) != 0 {
		t.Errorf("sessions after delete all = %+v", sessions)
	}
}

func TestProviderSettingsRoundTripNeverEchoesKey(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/api/user/provider-settings", map[string]interface{}{
		"use_custom": true,
		"base_url":   "https://llm.internal/v1",
		"api_key":    "sk-secret",
		"model":      "local-8b",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Error("response leaked the API key")
	}

	rec = doJSON(t, h, http.MethodGet, "/api/user/provider-settings", nil)
	var got providerSettingsResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.UseCustom || got.BaseURL != "https://llm.internal/v1" || !got.APIKeySet {
		t.Errorf("settings = %+v", got)
	}
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Error("response leaked the API key")
	}

	// Updating without a key keeps the stored one.
	doJSON(t, h, http.MethodPut, "/api/user/provider-settings", map[string]interface{}{
		"use_custom": true,
		"base_url":   "https://llm.internal/v2",
		"model":      "local-8b",
	})
	saved, err := s.store.GetProviderSettings(context.Background(), "local")
	if err != nil {
		t.Fatalf("GetProviderSettings: %v", err)
	}
	if saved.APIKey != "sk-secret" {
		t.Errorf("stored key = %q, want retained key", saved.APIKey)
	}
	if saved.BaseURL != "https://llm.internal/v2" {
		t.Errorf("stored base URL = %q", saved.BaseURL)
	}
}

func TestChatStreamsSSE(t *testing.T) {
	chats := &fakeChat{stream: newScriptedStream([]string{"Hello", " world"}, nil)}
	s := newTestServer(t, chats)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", map[string]string{
		"session_id": "s1",
		"text":       "hi",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`event: token`,
		`{"token":"Hello"}`,
		`{"token":" world"}`,
		`event: done`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("SSE body missing %q:\n%s", want, body)
		}
	}
	if chats.lastReq.SessionID != "s1" || chats.lastReq.Text != "hi" {
		t.Errorf("request = %+v", chats.lastReq)
	}
}

func TestChatForwardsProviderHeaders(t *testing.T) {
	chats := &fakeChat{stream: newScriptedStream([]string{"ok"}, nil)}
	s := newTestServer(t, chats)

	raw, _ := json.Marshal(map[string]string{"text": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.Header.Set("x-provider-base-url", "https://req.example/v1")
	req.Header.Set("x-provider-api-key", "sk-req")
	req.Header.Set("x-provider-model", "req-model")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if chats.lastReq.Provider.Source != "request" {
		t.Errorf("provider source = %q, want request", chats.lastReq.Provider.Source)
	}
	if chats.lastReq.Provider.BaseURL != "https://req.example/v1" ||
		chats.lastReq.Provider.Model != "req-model" {
		t.Errorf("provider = %+v", chats.lastReq.Provider)
	}
}

func TestChatEmptyTurnIsBadRequest(t *testing.T) {
	chats := &fakeChat{err: core.ErrEmptyTurn}
	s := newTestServer(t, chats)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", map[string]string{"text": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatProviderFailureIsBadGateway(t *testing.T) {
	chats := &fakeChat{err: core.ErrProviderCallFailed("m", fmt.Errorf("refused"))}
	s := newTestServer(t, chats)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", map[string]string{"text": "hi"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestChatInterruptedStreamEmitsErrorEvent(t *testing.T) {
	chats := &fakeChat{stream: newScriptedStream(
		[]string{"partial"},
		core.ErrStreamInterrupted(fmt.Errorf("reset")),
	)}
	s := newTestServer(t, chats)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/chat", map[string]string{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (stream errors arrive after headers)", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, core.ErrCodeStreamInterrupted) {
		t.Errorf("SSE body missing error event:\n%s", body)
	}
}

func TestExportMissingNameParam(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/export", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
