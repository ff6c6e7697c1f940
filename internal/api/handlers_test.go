package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"medchat/internal/attachment"
	"medchat/internal/config"
	"medchat/internal/models"
	"medchat/internal/session"
	"medchat/internal/storage"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type echoGateway struct{}

func (echoGateway) Send(_ context.Context, text string) (models.Reply, error) {
	return models.Reply{Text: "echo: " + text}, nil
}

func TestConversationFlow(t *testing.T) {
	router, mgr := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPut, "/api/conversation/input", map[string]string{"text": "I feel dizzy"}, nil)
	assertStatus(t, resp, http.StatusOK)
	var st session.State
	decodeJSON(t, resp.Body.Bytes(), &st)
	if st.Input != "I feel dizzy" {
		t.Fatalf("input not stored: %q", st.Input)
	}

	// no body submits the composer buffer
	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversation/msg", nil, nil)
	assertStatus(t, resp, http.StatusAccepted)
	var sendBody struct {
		Sent  bool          `json:"sent"`
		State session.State `json:"state"`
	}
	decodeJSON(t, resp.Body.Bytes(), &sendBody)
	if !sendBody.Sent || sendBody.State.Input != "" {
		t.Fatalf("unexpected send response: %+v", sendBody)
	}
	if len(sendBody.State.Messages) == 0 || sendBody.State.Messages[0].Text != "I feel dizzy" {
		t.Fatalf("user message missing from state: %+v", sendBody.State.Messages)
	}
	drain(t, mgr)

	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversation", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp.Body.Bytes(), &st)
	if len(st.Messages) != 2 || st.Messages[1].Text != "echo: I feel dizzy" {
		t.Fatalf("unexpected timeline: %+v", st.Messages)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/conversation/new", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var newBody struct {
		Archived bool          `json:"archived"`
		State    session.State `json:"state"`
	}
	decodeJSON(t, resp.Body.Bytes(), &newBody)
	if !newBody.Archived || len(newBody.State.Messages) != 0 || len(newBody.State.History) != 1 {
		t.Fatalf("unexpected new conversation response: %+v", newBody)
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/history", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var historyBody struct {
		History []models.ConversationSummary `json:"history"`
	}
	decodeJSON(t, resp.Body.Bytes(), &historyBody)
	if len(historyBody.History) != 1 || historyBody.History[0].Title != "Chat 1" {
		t.Fatalf("unexpected history: %+v", historyBody.History)
	}

	resp = doJSONRequest(t, router, http.MethodPost, "/api/history/0/resume", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var resumeBody struct {
		Resumed bool          `json:"resumed"`
		State   session.State `json:"state"`
	}
	decodeJSON(t, resp.Body.Bytes(), &resumeBody)
	if !resumeBody.Resumed || len(resumeBody.State.Messages) != 2 {
		t.Fatalf("unexpected resume response: %+v", resumeBody)
	}

	resp = doJSONRequest(t, router, http.MethodDelete, "/api/history/0", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodDelete, "/api/history", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp.Body.Bytes(), &newBody)
	if len(newBody.State.History) != 0 || len(newBody.State.Messages) != 2 {
		t.Fatalf("unexpected state after clear: %+v", newBody.State)
	}
}

func TestSendMessageValidation(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversation/msg", map[string]string{"text": "   "}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Sent  bool          `json:"sent"`
		State session.State `json:"state"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Sent || len(body.State.Messages) != 0 {
		t.Fatalf("blank text must be ignored: %+v", body)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversation/msg", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestHistoryIndexValidation(t *testing.T) {
	router, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodDelete, "/api/history/abc", nil, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, router, http.MethodPost, "/api/history/7/resume", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Resumed bool `json:"resumed"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Resumed {
		t.Fatalf("out of range resume must be a no-op")
	}
}

func TestUploadAndServeAttachment(t *testing.T) {
	router, _ := newTestServer(t)

	resp := postUpload(t, router, "camera", "rash.png", pngBytes)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Attached   bool              `json:"attached"`
		Attachment models.Attachment `json:"attachment"`
		State      session.State     `json:"state"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Attached || body.Attachment.Kind != models.MediaImage {
		t.Fatalf("unexpected upload response: %s", resp.Body.String())
	}
	if len(body.State.Messages) != 1 || body.State.Messages[0].Text != session.AttachmentLabelPrefix+"rash.png" {
		t.Fatalf("attachment message missing: %+v", body.State.Messages)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/attachments/"+body.Attachment.Ref, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	if !bytes.Equal(rec.Body.Bytes(), pngBytes) {
		t.Fatalf("served bytes differ")
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "inline") {
		t.Fatalf("unexpected disposition %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/attachments/unknown", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestUploadRejections(t *testing.T) {
	router, _ := newTestServer(t)

	resp := postUpload(t, router, "camera", "notes.txt", []byte("not an image"))
	assertStatus(t, resp, http.StatusUnsupportedMediaType)

	resp = postUpload(t, router, "scanner", "rash.png", pngBytes)
	assertStatus(t, resp, http.StatusBadRequest)

	// a form without a file is a dismissed picker
	resp = postUpload(t, router, "file", "", nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Attached bool `json:"attached"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Attached {
		t.Fatalf("expected nothing attached")
	}

	resp = doJSONRequest(t, router, http.MethodGet, "/api/conversation", nil, nil)
	var st session.State
	decodeJSON(t, resp.Body.Bytes(), &st)
	if len(st.Messages) != 0 {
		t.Fatalf("rejected uploads must not append messages: %+v", st.Messages)
	}
}

func TestStreamEvents(t *testing.T) {
	router, mgr := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(rec, req)
	}()
	mgr.SendText("hi")
	<-done

	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) == 0 {
		t.Fatalf("expected state events")
	}
	last := events[len(events)-1]
	if last.Name != "state" {
		t.Fatalf("unexpected event %#v", last)
	}
	var st session.State
	decodeJSON(t, []byte(last.Data), &st)
	if len(st.Messages) != 2 || st.Messages[1].Text != "echo: hi" {
		t.Fatalf("last event should carry the reply: %+v", st.Messages)
	}
}

func TestHealthz(t *testing.T) {
	router, _ := newTestServer(t)
	resp := doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite3", config.DatabaseConfig{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	attachments, err := attachment.NewManager(db, attachment.Options{BaseDir: t.TempDir(), MaxBytes: 1 << 16})
	if err != nil {
		t.Fatalf("attachment manager: %v", err)
	}
	mgr := session.NewManager(echoGateway{}, attachments, session.Options{SignalDuration: time.Minute})
	t.Cleanup(mgr.Close)

	handler := NewHandler(mgr, attachments, 1<<16, nil)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, mgr
}

func drain(t *testing.T, mgr *session.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postUpload(t *testing.T, router *gin.Engine, source, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("source", source); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
